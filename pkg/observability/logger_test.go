package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestLoggerEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"package": "http_retry",
		"version": "1.0.0",
	}).Info("package published")

	recs := logLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec["msg"] != "package published" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["package"] != "http_retry" || rec["version"] != "1.0.0" {
		t.Errorf("fields missing: %v", rec)
	}
	if rec["level"] != "INFO" {
		t.Errorf("level = %v", rec["level"])
	}
}

func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("kept")
	logger.Error("kept too")

	if recs := logLines(t, &buf); len(recs) != 2 {
		t.Errorf("records = %d, want 2 at warn level", len(recs))
	}
}

func TestLoggerSetLevelAffectsDerived(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)
	derived := logger.WithField("component", "proxy")

	derived.Debug("hidden")
	logger.SetLevel(DebugLevel)
	derived.Debug("visible")

	recs := logLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0]["component"] != "proxy" {
		t.Errorf("derived field missing: %v", recs[0])
	}
}

func TestWithErrorNilIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithError(nil).Info("fine")
	logger.WithError(errors.New("boom")).Error("failed")

	recs := logLines(t, &buf)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if _, present := recs[0]["error"]; present {
		t.Error("nil error produced an error field")
	}
	if recs[1]["error"] != "boom" {
		t.Errorf("error field = %v", recs[1]["error"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"ERROR":   ErrorLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := GetRequestID(ctx); id != "" {
		t.Errorf("empty context request id = %q", id)
	}
	ctx = WithRequestID(ctx, "req-123")
	if id := GetRequestID(ctx); id != "req-123" {
		t.Errorf("request id = %q", id)
	}
}
