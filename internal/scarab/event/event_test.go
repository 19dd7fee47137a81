package event

import (
	"encoding/json"
	"testing"
)

func TestMarshalTimeUpdated(t *testing.T) {
	e := TimeUpdated(5)
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["event_name"] != NameTimeUpdated {
		t.Errorf("event_name = %v, want %s", got["event_name"], NameTimeUpdated)
	}
	if got["sim_time"] != float64(5) {
		t.Errorf("sim_time = %v, want 5", got["sim_time"])
	}
	if got["previous_time"] != float64(4) {
		t.Errorf("previous_time = %v, want 4", got["previous_time"])
	}
}

func TestMarshalWithTarget(t *testing.T) {
	e := New("ping", 3, map[string]any{"x": 1}).WithTarget(EntityID("abc"))
	b, _ := json.Marshal(e)
	var got map[string]any
	json.Unmarshal(b, &got)
	if got["target_id"] != "abc" {
		t.Errorf("target_id = %v, want abc", got["target_id"])
	}
}

func TestRoundTrip(t *testing.T) {
	orig := EntityChanged(10, map[string]any{"scarab_name": "bee", "temp": 71.0}, []string{"temp"})
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Event
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != NameEntityChanged {
		t.Errorf("Name = %q, want %q", got.Name, NameEntityChanged)
	}
	if got.SimTime != 10 {
		t.Errorf("SimTime = %d, want 10", got.SimTime)
	}
	entity, ok := got.Payload["entity"].(map[string]any)
	if !ok {
		t.Fatalf("entity payload missing or wrong type: %#v", got.Payload["entity"])
	}
	if entity["scarab_name"] != "bee" {
		t.Errorf("entity.scarab_name = %v, want bee", entity["scarab_name"])
	}
}

func TestIsSystem(t *testing.T) {
	cases := map[string]bool{
		NameTimeUpdated:        true,
		NameEntityCreated:      true,
		NameEntityChanged:      true,
		NameEntityDestroyed:    true,
		NameSimulationShutdown: true,
		"ping":                 false,
	}
	for name, want := range cases {
		if got := IsSystem(name); got != want {
			t.Errorf("IsSystem(%q) = %v, want %v", name, got, want)
		}
	}
}
