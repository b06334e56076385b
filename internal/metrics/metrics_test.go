package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.RecordRun(true, time.Second)
	c.RecordRun(false, time.Second)
	c.RecordRun(true, time.Second)
	if got := testutil.ToFloat64(c.runsTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("got %v, want 2", got)
	}

	c.RecordInstruction("add_service", "executed", time.Millisecond)
	c.RecordInstruction("add_service", "skipped", 0)
	if got := testutil.ToFloat64(c.instructionsTotal.WithLabelValues("add_service", "skipped")); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}

	c.RecordTransfer("upload", 1024, nil)
	c.RecordTransfer("upload", 1, errors.New("integrity"))
	if got := testutil.ToFloat64(c.transferBytes.WithLabelValues("upload")); got != 1024 {
		t.Fatalf("got %v, want 1024", got)
	}
	if got := testutil.ToFloat64(c.transferFailures.WithLabelValues("upload")); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}

	c.RecordEnclaves(3)
	if got := testutil.ToFloat64(c.enclaves); got != 3 {
		t.Fatalf("got %v, want 3", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordRun(true, time.Second)
	c.RecordInstruction("exec", "executed", time.Second)
	c.RecordTransfer("download", 1, nil)
	c.RecordEnclaves(1)
	c.RecordHTTPRequest("/health", 200)
}
