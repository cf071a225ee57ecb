package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordInboxProvisioned()
	m.RecordInboxesExpired(3)
	m.RecordInboxesExpired(0)
	m.RecordMessageReceived(SourceSMTP, 2)
	m.RecordMessageReceived(SourceAPI, 1)
	m.RecordSMTPRejection("relay_denied")
	m.UpdateStoreGauges(5, 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboxesProvisioned))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InboxesExpired))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues(SourceSMTP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues(SourceAPI)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SMTPRejections.WithLabelValues("relay_denied")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.InboxesActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MessagesStored))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// 私有 Registry 允许重复创建而不会 panic
	a := NewMetrics()
	b := NewMetrics()
	a.RecordMessageRead()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesRead))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesRead))

	count, err := testutil.GatherAndCount(a.Registry(), "tempinbox_messages_read_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/api/inbox", "200", time.Millisecond)
		m.RecordInboxProvisioned()
		m.RecordMessageReceived(SourceAPI, 1)
		m.RecordSMTPRejection("oversize")
		m.AddSMTPConnections(1)
		m.RecordMessageParsed(10, time.Millisecond)
		m.RecordNotificationDropped()
		m.RecordRateLimitBlock("generate")
		m.RecordPanic()
	})
}

func TestMetrics_HTTPHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("POST", "/api/generate", "200", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tempinbox_http_requests_total{endpoint="/api/generate",method="POST",status_code="200"} 1`)
}
