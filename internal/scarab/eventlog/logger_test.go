package eventlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/billdback/scarab/internal/scarab/event"
)

func TestFilterAdmitsTimeOnly(t *testing.T) {
	f := Filter{IncludeTime: true}
	if !f.Admits(event.TimeUpdated(1)) {
		t.Error("time.updated should be admitted")
	}
	if f.Admits(event.EntityCreated(1, nil)) {
		t.Error("entity.created should not be admitted")
	}
}

func TestShutdownAlwaysAdmitted(t *testing.T) {
	f := Filter{}
	if !f.Admits(event.SimulationShutdown(1)) {
		t.Error("shutdown should always be admitted")
	}
}

func TestLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(nil, &buf, Filter{IncludeEntityLifecycle: true})

	l.Broadcast(event.EntityCreated(3, map[string]any{"scarab_name": "bee"}))

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["event_name"] != event.NameEntityCreated {
		t.Errorf("event_name = %v, want %s", got["event_name"], event.NameEntityCreated)
	}
}

func TestLoggerSkipsFilteredEvents(t *testing.T) {
	var buf bytes.Buffer
	l := New(nil, &buf, Filter{IncludeEntityLifecycle: false, IncludeTime: false, IncludeNamed: false})

	l.Broadcast(event.EntityCreated(1, nil))
	l.Broadcast(event.TimeUpdated(1))
	l.Broadcast(event.New("ping", 1, nil))

	if buf.Len() != 0 {
		t.Errorf("buf = %q, want empty", buf.String())
	}
}
