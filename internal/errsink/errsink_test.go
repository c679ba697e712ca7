package errsink

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	logx "nudge/pkg/logx"
)

func TestReporterRateLimits(t *testing.T) {
	var buf bytes.Buffer
	r := New(Config{RatePerSec: 1, Burst: 2}, logx.NewWriter(&buf, "debug"))

	for i := 0; i < 5; i++ {
		r.Report(errors.New("handler exploded"), logx.String("notification_id", "rest-1"))
	}
	r.Report(nil)

	reported, dropped := r.Counts()
	if reported != 2 || dropped != 3 {
		t.Fatalf("counts = (%d, %d), want (2, 3)", reported, dropped)
	}
	if n := strings.Count(buf.String(), "handler exploded"); n != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"notification_id":"rest-1"`) {
		t.Fatalf("missing field in output: %s", buf.String())
	}
}

func TestFuncIgnoresNil(t *testing.T) {
	calls := 0
	s := Func(func(error, ...logx.Field) { calls++ })
	s.Report(nil)
	s.Report(errors.New("x"))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
