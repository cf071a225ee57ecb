package smtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage/memory"
)

const testDomain = "ariyabot.ir"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeDeliverer 直接把内存存储适配为 InboxDeliverer
type storeDeliverer struct {
	store *memory.Store
}

func (d storeDeliverer) Get(address string) (*domain.Inbox, error) {
	return d.store.Lookup(address)
}

func (d storeDeliverer) Deliver(recipients []string, draft domain.MessageDraft) ([]*domain.Message, error) {
	return d.store.AppendAll(recipients, draft)
}

type testEnv struct {
	clock   *fakeClock
	store   *memory.Store
	metrics *monitoring.Metrics
	addr    string
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(cfg *config.SMTPConfig) {
		cfg.MaxMessageBytes = maxBytes
	})
}

func newTestEnvWith(t *testing.T, configure func(*config.SMTPConfig)) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	store := memory.NewStore(memory.WithClock(clock.Now))
	metrics := monitoring.NewMetrics()

	cfg := config.SMTPConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Hostname:        testDomain,
		MaxMessageBytes: 1 << 20,
		MaxRecipients:   10,
		MaxLineLength:   1000,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxConnections:  10,
		ConnectionRate:  100,
	}
	if configure != nil {
		configure(&cfg)
	}
	srv := NewServer(cfg, storeDeliverer{store: store}, testDomain, zap.NewNop(), metrics)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	})

	return &testEnv{clock: clock, store: store, metrics: metrics, addr: srv.Addr()}
}

func (e *testEnv) provision(t *testing.T, address string) {
	t.Helper()
	_, err := e.store.Provision(address, e.clock.Now().Add(15*time.Minute))
	require.NoError(t, err)
}

func dial(t *testing.T, addr string) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Hello("client.test"))
	return c
}

func requireSMTPCode(t *testing.T, err error, code int, enhanced gosmtp.EnhancedCode) {
	t.Helper()
	require.Error(t, err)
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %T: %v", err, err)
	assert.Equal(t, code, smtpErr.Code)
	assert.Equal(t, enhanced, smtpErr.EnhancedCode)
}

func sendData(t *testing.T, c *gosmtp.Client, body string) error {
	t.Helper()
	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n")))
	require.NoError(t, err)
	return w.Close()
}

const alternativeMessage = `From: Sender Name <sender@example.org>
To: box1@ariyabot.ir
Subject: =?UTF-8?Q?caf=C3=A9?=
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="sep"

--sep
Content-Type: text/plain; charset=utf-8

plain text
--sep
Content-Type: text/html; charset=utf-8

<p>html</p>
--sep--
`

func TestSession_DeliversTextAndHTML(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "box1@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("Envelope@Example.org", nil))
	require.NoError(t, c.Rcpt("BOX1@AriyaBot.IR", nil))
	require.NoError(t, sendData(t, c, alternativeMessage))
	require.NoError(t, c.Quit())

	inbox, err := env.store.Lookup("box1@" + testDomain)
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 1)

	msg := inbox.Messages[0]
	assert.Equal(t, "envelope@example.org", msg.From, "envelope sender wins over header")
	assert.Equal(t, "Sender Name", msg.FromName)
	assert.Equal(t, "box1@"+testDomain, msg.To)
	assert.Equal(t, "café", msg.Subject)
	assert.Equal(t, "plain text", msg.Body)
	assert.Equal(t, "<p>html</p>", msg.HTML)
	assert.False(t, msg.IsRead)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SMTPSessions))
}

func TestSession_HeaderSenderFallback(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "box2@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("", nil))
	require.NoError(t, c.Rcpt("box2@"+testDomain, nil))
	require.NoError(t, sendData(t, c, "From: Header <header@example.org>\nSubject: s\n\nbody\n"))

	inbox, err := env.store.Lookup("box2@" + testDomain)
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, "header@example.org", inbox.Messages[0].From)
}

func TestSession_UnknownSenderFallback(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "box3@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("", nil))
	require.NoError(t, c.Rcpt("box3@"+testDomain, nil))
	require.NoError(t, sendData(t, c, "Content-Type: text/plain\n\nbody\n"))

	inbox, err := env.store.Lookup("box3@" + testDomain)
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, UnknownSender, inbox.Messages[0].From)
	assert.Equal(t, DefaultSubject, inbox.Messages[0].Subject)
}

func TestSession_WrongDomainRejectedAtRcpt(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	err := c.Rcpt("user@wrong-domain.test", nil)
	requireSMTPCode(t, err, 550, gosmtp.EnhancedCode{5, 7, 1})

	// 没有任何收件人被接受，DATA 不会进入
	_, err = c.Data()
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SMTPRejections.WithLabelValues(reasonRelayDenied)))
}

func TestSession_InvalidRecipient(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	tests := []struct {
		name     string
		rcpt     string
		code     int
		enhanced gosmtp.EnhancedCode
	}{
		{"syntax error", "not-an-address", 501, gosmtp.EnhancedCode{5, 5, 2}},
		{"quoted at sign in local part", `"a@b"@` + testDomain, 501, gosmtp.EnhancedCode{5, 1, 3}},
		{"local part too long", strings.Repeat("a", domain.MaxLocalPartLength+1) + "@" + testDomain, 501, gosmtp.EnhancedCode{5, 1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, env.addr)
			require.NoError(t, c.Mail("a@b.com", nil))
			requireSMTPCode(t, c.Rcpt(tt.rcpt, nil), tt.code, tt.enhanced)
		})
	}

	// 语法错误在 go-smtp 解析阶段就被拒绝，不计入会话拒绝
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SMTPRejections.WithLabelValues(reasonBadAddress)))
}

func TestSession_UnknownInboxRejected(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	requireSMTPCode(t, c.Rcpt("nobody@"+testDomain, nil), 550, gosmtp.EnhancedCode{5, 1, 1})
}

func TestSession_InboxExpiresBeforeData(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "late@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("late@"+testDomain, nil))

	env.clock.Advance(16 * time.Minute)

	err := sendData(t, c, "Subject: too late\n\nbody\n")
	requireSMTPCode(t, err, 550, gosmtp.EnhancedCode{5, 1, 1})
	assert.Equal(t, 0, env.store.Stats().Messages)
}

func TestSession_OversizeRejected(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.provision(t, "big@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("big@"+testDomain, nil))

	body := strings.Repeat(strings.Repeat("x", 70)+"\n", 60)
	err := sendData(t, c, "Subject: big\n\n"+body)
	requireSMTPCode(t, err, 552, gosmtp.EnhancedCode{5, 3, 4})

	inbox, err := env.store.Lookup("big@" + testDomain)
	require.NoError(t, err)
	assert.Empty(t, inbox.Messages)

	// 会话在拒绝后仍可继续使用
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("big@"+testDomain, nil))
	require.NoError(t, sendData(t, c, "Subject: small\n\nok\n"))
}

func TestSession_LineTooLongRejected(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "wide@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("wide@"+testDomain, nil))

	err := sendData(t, c, "Content-Type: text/html\n\n<p>"+strings.Repeat("x", 1500)+"</p>\n")
	requireSMTPCode(t, err, 500, gosmtp.EnhancedCode{5, 5, 2})

	inbox, err := env.store.Lookup("wide@" + testDomain)
	require.NoError(t, err)
	assert.Empty(t, inbox.Messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SMTPRejections.WithLabelValues(reasonLineTooLong)))

	// 该连接会被关闭，新连接照常投递
	c2 := dial(t, env.addr)
	require.NoError(t, c2.Mail("a@b.com", nil))
	require.NoError(t, c2.Rcpt("wide@"+testDomain, nil))
	require.NoError(t, sendData(t, c2, "Subject: short\n\nok\n"))
}

func TestSession_LongHTMLLineWithinLimit(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.SMTPConfig) {
		cfg.MaxLineLength = 64 * 1024
	})
	env.provision(t, "html@"+testDomain)

	html := "<p>" + strings.Repeat("x", 3000) + "</p>"
	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("html@"+testDomain, nil))
	require.NoError(t, sendData(t, c, "Content-Type: text/html\n\n"+html+"\n"))

	inbox, err := env.store.Lookup("html@" + testDomain)
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, html, strings.TrimSpace(inbox.Messages[0].HTML))
}

func TestSession_MalformedRejected(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "bad@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("bad@"+testDomain, nil))

	err := sendData(t, c, "this header line has no colon\n\nbody\n")
	requireSMTPCode(t, err, 554, gosmtp.EnhancedCode{5, 6, 0})

	// 监听器不受影响，新会话照常工作
	c2 := dial(t, env.addr)
	require.NoError(t, c2.Mail("a@b.com", nil))
	require.NoError(t, c2.Rcpt("bad@"+testDomain, nil))
	require.NoError(t, sendData(t, c2, "Subject: fine\n\nbody\n"))
}

func TestSession_MultipleRecipients(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.provision(t, "one@"+testDomain)
	env.provision(t, "two@"+testDomain)

	c := dial(t, env.addr)
	require.NoError(t, c.Mail("a@b.com", nil))
	require.NoError(t, c.Rcpt("one@"+testDomain, nil))
	require.NoError(t, c.Rcpt("two@"+testDomain, nil))
	require.NoError(t, c.Rcpt("ONE@"+testDomain, nil))
	require.NoError(t, sendData(t, c, "Subject: fan-out\n\nbody\n"))

	for _, addr := range []string{"one@" + testDomain, "two@" + testDomain} {
		inbox, err := env.store.Lookup(addr)
		require.NoError(t, err)
		require.Len(t, inbox.Messages, 1, addr)
		assert.Equal(t, addr, inbox.Messages[0].To)
	}
}

func TestSession_AuthNotAdvertised(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	c := dial(t, env.addr)
	ok, _ := c.Extension("AUTH")
	assert.False(t, ok)
}
