package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage/memory"
)

type storeLookup struct {
	store *memory.Store
}

func (l storeLookup) Get(address string) (*domain.Inbox, error) {
	return l.store.Lookup(address)
}

func setupHub(t *testing.T, configure ...func(*Hub)) (*Hub, *memory.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	hub := NewHub([]string{"*"}, storeLookup{store: store}, zap.NewNop())
	for _, fn := range configure {
		fn(hub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	router := gin.New()
	router.GET("/api/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	return hub, store, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_NewMailNotification(t *testing.T) {
	hub, store, url := setupHub(t)

	_, err := store.Provision("watch@ariyabot.ir", time.Now().Add(time.Hour))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?address=WATCH@ariyabot.ir", nil)
	require.NoError(t, err)
	defer conn.Close()

	ack := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, "watch@ariyabot.ir", ack.Address)
	assert.Equal(t, 1, hub.Subscribers("watch@ariyabot.ir"))

	msg, err := store.Append("watch@ariyabot.ir", domain.MessageDraft{
		From:    "a@b.com",
		Subject: "hi",
		Body:    "hello there",
		HTML:    "<p>hello</p>",
	})
	require.NoError(t, err)
	assert.True(t, hub.NotifyNewMail("watch@ariyabot.ir", msg))

	got := readMessage(t, conn)
	require.Equal(t, MessageTypeNewMail, got.Type)
	assert.Equal(t, "watch@ariyabot.ir", got.Address)

	var data NewMailData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, msg.ID, data.ID)
	assert.Equal(t, "hi", data.Subject)
	assert.Equal(t, "hello there", data.Preview)
	assert.True(t, data.HasHTML)
}

func TestHub_OtherInboxNotNotified(t *testing.T) {
	hub, store, url := setupHub(t)

	for _, addr := range []string{"a@ariyabot.ir", "b@ariyabot.ir"} {
		_, err := store.Provision(addr, time.Now().Add(time.Hour))
		require.NoError(t, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?address=a@ariyabot.ir", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	other, err := store.Append("b@ariyabot.ir", domain.MessageDraft{Subject: "not for a"})
	require.NoError(t, err)
	hub.NotifyNewMail("b@ariyabot.ir", other)

	mine, err := store.Append("a@ariyabot.ir", domain.MessageDraft{Subject: "for a"})
	require.NoError(t, err)
	hub.NotifyNewMail("a@ariyabot.ir", mine)

	got := readMessage(t, conn)
	var data NewMailData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "for a", data.Subject)
}

func TestHub_DropsExpiredSubscriptions(t *testing.T) {
	hub, store, url := setupHub(t, func(h *Hub) { h.tick = 50 * time.Millisecond })

	_, err := store.Provision("short@ariyabot.ir", time.Now().Add(300*time.Millisecond))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?address=short@ariyabot.ir", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, MessageTypeSubscribed, readMessage(t, conn).Type)

	// 周期 ping 与过期通知共用同一个 ticker
	deadline := time.Now().Add(3 * time.Second)
	var got Message
	for got.Type != MessageTypeExpired {
		require.True(t, time.Now().Before(deadline), "expired notice not received")
		got = readMessage(t, conn)
	}
	assert.Equal(t, "short@ariyabot.ir", got.Address)
	assert.Equal(t, 0, hub.Subscribers("short@ariyabot.ir"))
	assert.Equal(t, 1, hub.ClientCount(), "connection stays open")
}

func TestHub_SubscribeMessage(t *testing.T) {
	hub, store, url := setupHub(t)

	for _, addr := range []string{"first@ariyabot.ir", "second@ariyabot.ir"} {
		_, err := store.Provision(addr, time.Now().Add(time.Hour))
		require.NoError(t, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?address=first@ariyabot.ir", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Address: "second@ariyabot.ir"}))
	ack := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, "second@ariyabot.ir", ack.Address)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Address: "missing@ariyabot.ir"}))
	errMsg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, errMsg.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeUnsubscribe, Address: "second@ariyabot.ir"}))
	assert.Eventually(t, func() bool {
		return hub.Subscribers("second@ariyabot.ir") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHub_RejectsUnknownInbox(t *testing.T) {
	_, _, url := setupHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?address=ghost@ariyabot.ir", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub, store, url := setupHub(t)

	_, err := store.Provision("bye@ariyabot.ir", time.Now().Add(time.Hour))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?address=bye@ariyabot.ir", nil)
	require.NoError(t, err)
	readMessage(t, conn)
	require.Equal(t, 1, hub.ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return hub.ClientCount() == 0 && hub.Subscribers("bye@ariyabot.ir") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	up := upgraderFactory([]string{"http://allowed.test"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, up.CheckOrigin(req), "same-origin requests have no Origin header")

	req.Header.Set("Origin", "http://allowed.test")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, up.CheckOrigin(req))
}
