// Package event defines the wire-level Event record dispatched by the
// router and broadcast over the control channel.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/billdback/scarab/internal/scarab/clock"
)

// EntityID is a stable, globally unique identifier assigned at
// registration. Never reused, never rewritten.
type EntityID string

// Reserved system event-name families. Any other name is a user event.
const (
	NameTimeUpdated        = "scarab.time.updated"
	NameEntityCreated      = "scarab.entity.created"
	NameEntityChanged      = "scarab.entity.changed"
	NameEntityDestroyed    = "scarab.entity.destroyed"
	NameSimulationShutdown = "scarab.simulation.shutdown"
)

// Event is a tagged record carrying a name, a sim-time stamp, an
// optional target entity id, and an opaque payload. Payload holds the
// event-specific fields that get flattened alongside event_name and
// sim_time on the wire (see MarshalJSON).
type Event struct {
	Name     string
	SimTime  clock.SimTime
	TargetID *EntityID
	Payload  map[string]any
}

// New constructs a user event. sim_time is filled in by the router at
// enqueue time if Zero is passed as a sentinel; callers that know the
// tick can set it directly.
func New(name string, simTime clock.SimTime, payload map[string]any) Event {
	return Event{Name: name, SimTime: simTime, Payload: payload}
}

// WithTarget returns a copy of e addressed to a specific entity.
func (e Event) WithTarget(id EntityID) Event {
	e.TargetID = &id
	return e
}

// TimeUpdated builds the system time.updated event for tick t.
func TimeUpdated(t clock.SimTime) Event {
	return Event{
		Name:    NameTimeUpdated,
		SimTime: t,
		Payload: map[string]any{"previous_time": t - 1},
	}
}

// EntityCreated builds the system entity.created event.
func EntityCreated(t clock.SimTime, view map[string]any) Event {
	return Event{
		Name:    NameEntityCreated,
		SimTime: t,
		Payload: map[string]any{"entity": view},
	}
}

// EntityChanged builds the system entity.changed event.
func EntityChanged(t clock.SimTime, view map[string]any, changed []string) Event {
	return Event{
		Name:    NameEntityChanged,
		SimTime: t,
		Payload: map[string]any{"entity": view, "changed_properties": changed},
	}
}

// EntityDestroyed builds the system entity.destroyed event.
func EntityDestroyed(t clock.SimTime, view map[string]any) Event {
	return Event{
		Name:    NameEntityDestroyed,
		SimTime: t,
		Payload: map[string]any{"entity": view},
	}
}

// SimulationShutdown builds the system shutdown event.
func SimulationShutdown(t clock.SimTime) Event {
	return Event{Name: NameSimulationShutdown, SimTime: t}
}

// IsSystem reports whether name is one of the reserved system event
// name families.
func IsSystem(name string) bool {
	switch name {
	case NameTimeUpdated, NameEntityCreated, NameEntityChanged, NameEntityDestroyed, NameSimulationShutdown:
		return true
	default:
		return false
	}
}

// MarshalJSON flattens Payload's keys alongside event_name, sim_time,
// and (when present) target_id into a single JSON object, matching the
// wire envelopes in the control protocol.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event_name"] = e.Name
	out["sim_time"] = e.SimTime
	if e.TargetID != nil {
		out["target_id"] = *e.TargetID
	}
	return json.Marshal(out)
}

// UnmarshalJSON recovers an Event from a flattened wire envelope.
// event_name, sim_time and (if present) target_id are pulled out into
// their dedicated fields; everything else lands in Payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	name, _ := raw["event_name"].(string)
	e.Name = name
	delete(raw, "event_name")

	if st, ok := raw["sim_time"].(float64); ok {
		e.SimTime = clock.SimTime(st)
	}
	delete(raw, "sim_time")

	if tid, ok := raw["target_id"].(string); ok {
		id := EntityID(tid)
		e.TargetID = &id
		delete(raw, "target_id")
	}

	e.Payload = raw
	return nil
}
