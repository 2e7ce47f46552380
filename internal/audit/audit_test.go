package audit

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestEventWritesJSONLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := &Logger{Component: "control_plane", Out: log.New(&buf, "", 0)}
	l.Warn("control.claim", "req-1", map[string]any{"worker_id": "w1", "status_code": 403})

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("expected json line, got %q: %v", line, err)
	}
	if got["component"] != "control_plane" || got["level"] != "warn" || got["event"] != "control.claim" {
		t.Fatalf("unexpected envelope %v", got)
	}
	if got["request_id"] != "req-1" || got["worker_id"] != "w1" {
		t.Fatalf("unexpected fields %v", got)
	}
	if _, ok := got["ts"]; !ok {
		t.Fatalf("expected ts field")
	}
}
