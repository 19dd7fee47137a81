package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/billdback/scarab/internal/scarab/control"
	"github.com/billdback/scarab/internal/scarab/entity"
	"github.com/billdback/scarab/internal/scarab/event"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) Broadcast(e event.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

type bee struct {
	temp float64
}

func (b *bee) ScarabName() string { return "bee" }

func (b *bee) EntityView() map[string]any {
	return map[string]any{"temp": b.temp}
}

func (b *bee) Describe() []entity.HandlerBinding {
	return nil
}

type reactiveBee struct {
	bee
}

func (b *reactiveBee) Describe() []entity.HandlerBinding {
	return []entity.HandlerBinding{
		{Kind: entity.KindTimeUpdated, Invoke: func(e event.Event) error {
			b.temp++
			return nil
		}},
	}
}

func newSim(t *testing.T, steps int) (*Simulation, *recorder) {
	t.Helper()
	sim, err := New(nil, Config{NumberSteps: steps})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	sim.AddBroadcaster(rec)
	return sim, rec
}

func TestScenarioSingleBeeNoChange(t *testing.T) {
	sim, rec := newSim(t, 2)
	b := &bee{temp: 70}
	if _, err := sim.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		event.NameEntityCreated,
		event.NameTimeUpdated,
		event.NameTimeUpdated,
		event.NameSimulationShutdown,
	}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScenarioPropertyChange(t *testing.T) {
	sim, rec := newSim(t, 3)
	b := &reactiveBee{bee: bee{temp: 70}}
	if _, err := sim.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		event.NameEntityCreated,
		event.NameTimeUpdated, event.NameEntityChanged,
		event.NameTimeUpdated, event.NameEntityChanged,
		event.NameTimeUpdated, event.NameEntityChanged,
		event.NameSimulationShutdown,
	}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestZeroStepsShutdownOnly(t *testing.T) {
	sim, rec := newSim(t, 0)
	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Name != event.NameSimulationShutdown {
		t.Fatalf("events = %v, want [shutdown]", rec.names())
	}
}

func TestPauseResume(t *testing.T) {
	sim, err := New(nil, Config{NumberSteps: 10, StepLength: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	sim.AddBroadcaster(rec)

	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background()) }()

	// Wait until at least two ticks have been observed, then pause.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, n := range rec.names() {
			if n == event.NameTimeUpdated {
				count++
			}
		}
		if count >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sim.SendCommand(control.Command{Action: control.ActionPause})

	// Give the loop a moment to observe pause, then confirm no further
	// ticks arrive for a bit.
	time.Sleep(50 * time.Millisecond)
	before := len(rec.names())
	time.Sleep(200 * time.Millisecond)
	after := len(rec.names())
	if after != before {
		t.Errorf("events grew from %d to %d while paused", before, after)
	}

	sim.SendCommand(control.Command{Action: control.ActionResume})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not complete after resume")
	}

	var shutdowns int
	for _, n := range rec.names() {
		if n == event.NameSimulationShutdown {
			shutdowns++
		}
	}
	if shutdowns != 1 {
		t.Errorf("shutdown events = %d, want 1", shutdowns)
	}
}

func TestUnregisterEmitsDestroyed(t *testing.T) {
	sim, rec := newSim(t, 1)
	b := &bee{temp: 70}
	id, err := sim.Register(b)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sim.Unregister(id); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var destroyed bool
	for _, n := range rec.names() {
		if n == event.NameEntityDestroyed {
			destroyed = true
		}
	}
	if !destroyed {
		t.Errorf("events = %v, want a destroyed event", rec.names())
	}
}
