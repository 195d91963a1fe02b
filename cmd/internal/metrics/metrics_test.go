package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.MessageSubmitted("contact")
	m.PushDelivered()
	m.PushFailed("message_new")
	m.UnreadIncremented()
	m.UnreadReset()
	m.StorageError("insert_message")
	m.CallEvent("request")
	m.SetPresence(1, 2)
}

func TestMetrics_RecordsAndServes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageSubmitted("group")
	m.MessageSubmitted("group")
	m.PushFailed("presence")
	m.SetPresence(3, 5)

	if got := testutil.ToFloat64(m.MessagesSubmitted.WithLabelValues("group")); got != 2 {
		t.Fatalf("messages_submitted{group}=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.OnlineUsers); got != 3 {
		t.Fatalf("online_users=%v want 3", got)
	}

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "zerochat_pushes_failed_total") {
		t.Fatalf("expected pushes_failed in exposition, got:\n%s", body)
	}
}
