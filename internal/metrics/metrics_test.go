package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordPath(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordPath("verify", OutcomeOK, 120*time.Millisecond)
	c.RecordPath("verify", OutcomeOK, 80*time.Millisecond)
	c.RecordPath("verify", OutcomeFailed, time.Second)
	c.RecordPath("update", OutcomeAborted, 0)

	if got := testutil.ToFloat64(c.paths.WithLabelValues("verify", OutcomeOK)); got != 2 {
		t.Errorf("verify/ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.paths.WithLabelValues("update", OutcomeAborted)); got != 1 {
		t.Errorf("update/aborted = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.duration); got != 1 {
		t.Errorf("expected only the verify histogram, got %d series", got)
	}
}

func TestCollector_RecordMismatchAndBatch(t *testing.T) {
	c := NewCollector(nil)

	c.RecordMismatch("verify", "fail")
	c.RecordMismatch("verify", "warn")
	c.RecordMismatch("verify", "warn")
	c.RecordBatch("verify", false)

	if got := testutil.ToFloat64(c.mismatches.WithLabelValues("verify", "warn")); got != 2 {
		t.Errorf("warn mismatches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.batch.WithLabelValues("verify")); got != 0 {
		t.Errorf("batch_success = %v, want 0", got)
	}

	c.RecordBatch("verify", true)
	if got := testutil.ToFloat64(c.batch.WithLabelValues("verify")); got != 1 {
		t.Errorf("batch_success = %v, want 1", got)
	}
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := NewCollector(nil)
	c.RecordPath("create", OutcomeOK, time.Millisecond)
	c.RecordBatch("create", true)

	path := filepath.Join(t.TempDir(), "manifesto.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	for _, want := range []string{
		`manifesto_paths_total{operation="create",outcome="ok"} 1`,
		`manifesto_batch_success{operation="create"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}
