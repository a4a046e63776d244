package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"classroll/internal/attendance"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.MarkRecorded("recorded")
	c.MarkRecorded("recorded")
	c.MarkRecorded("duplicate")
	c.StatusOverridden(attendance.StatusLate)
	c.FacesLocated(3)
	c.Scanning(2)
	c.RateLimited("")

	if got := testutil.ToFloat64(c.marks.WithLabelValues("recorded")); got != 2 {
		t.Fatalf("recorded marks = %v", got)
	}
	if got := testutil.ToFloat64(c.overrides.WithLabelValues("late")); got != 1 {
		t.Fatalf("overrides = %v", got)
	}
	if got := testutil.ToFloat64(c.faces); got != 3 {
		t.Fatalf("faces = %v", got)
	}
	if got := testutil.ToFloat64(c.scanning); got != 2 {
		t.Fatalf("scanning = %v", got)
	}
	if got := testutil.ToFloat64(c.rateLimited.WithLabelValues("unmatched")); got != 1 {
		t.Fatalf("rate limited = %v", got)
	}
}
