package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"groupscan/internal/core"
)

func TestRegistryCounters(t *testing.T) {
	r := New(false)
	r.TaskFinished(core.TaskStatusCompleted)
	r.TaskFinished(core.TaskStatusCompleted)
	r.TaskFinished(core.TaskStatusFailed)
	r.ItemsScanned(7)
	r.ItemsScanned(0)
	r.ReplyAttempted(true)
	r.ReplyAttempted(false)
	r.QueueDepth(3)

	if got := testutil.ToFloat64(r.tasksFinished.WithLabelValues("completed")); got != 2 {
		t.Fatalf("completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.itemsScanned); got != 7 {
		t.Fatalf("items = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.replies.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed replies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.queueDepth); got != 3 {
		t.Fatalf("queue depth = %v, want 3", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New(false)
	r.TaskFinished(core.TaskStatusCanceled)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `groupscan_tasks_finished_total{status="canceled"} 1`) {
		t.Fatalf("missing counter in output:\n%s", body)
	}
}
