package router

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/billdback/scarab/internal/scarab/entity"
	"github.com/billdback/scarab/internal/scarab/event"
	"github.com/billdback/scarab/internal/scarab/queue"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) Broadcast(e event.Event) {
	r.events = append(r.events, e)
}

type testEntity struct {
	name    string
	temp    float64
	onTime  func(e event.Event) error
	onPing  func(e event.Event) error
	onEvent entity.HandlerKind
}

func (t *testEntity) ScarabName() string { return t.name }

func (t *testEntity) EntityView() map[string]any {
	return map[string]any{"temp": t.temp}
}

func (t *testEntity) Describe() []entity.HandlerBinding {
	var bindings []entity.HandlerBinding
	if t.onTime != nil {
		bindings = append(bindings, entity.HandlerBinding{Kind: entity.KindTimeUpdated, Invoke: t.onTime})
	}
	if t.onPing != nil {
		bindings = append(bindings, entity.HandlerBinding{Kind: entity.KindNamedEvent, Selector: "ping", Invoke: t.onPing})
	}
	return bindings
}

func newTestRouter() (*Router, *queue.Queue, *recorder) {
	r := New(slog.Default())
	rec := &recorder{}
	r.AddBroadcaster(rec)
	return r, queue.New(), rec
}

func TestRegisterEmitsCreated(t *testing.T) {
	r, q, rec := newTestRouter()
	ent := &testEntity{name: "bee", temp: 70}

	id, err := r.Register(q, 0, ent)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id == "" {
		t.Fatal("Register returned empty id")
	}

	r.DispatchDue(q, 0)
	if len(rec.events) != 1 || rec.events[0].Name != event.NameEntityCreated {
		t.Fatalf("events = %+v, want one created event", rec.events)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r, q, _ := newTestRouter()
	ent := &testEntity{name: "bee", temp: 70}
	if _, err := r.Register(q, 0, ent); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(q, 0, ent); err == nil {
		t.Fatal("second Register should fail")
	}
}

func TestUnknownEntityUnregister(t *testing.T) {
	r, q, _ := newTestRouter()
	if err := r.Unregister(q, 0, event.EntityID("nope")); err == nil {
		t.Fatal("Unregister of unknown id should fail")
	}
}

func TestChangeDetection(t *testing.T) {
	r, q, rec := newTestRouter()
	ent := &testEntity{name: "bee", temp: 70}
	ent.onTime = func(e event.Event) error {
		ent.temp++
		return nil
	}
	r.Register(q, 0, ent)
	r.DispatchDue(q, 0)
	rec.events = nil

	r.Send(q, 1, event.TimeUpdated(1))
	r.DispatchDue(q, 1)

	var gotChanged bool
	for _, e := range rec.events {
		if e.Name == event.NameEntityChanged {
			gotChanged = true
			props, _ := e.Payload["changed_properties"].([]string)
			if len(props) != 1 || props[0] != "temp" {
				t.Errorf("changed_properties = %v, want [temp]", props)
			}
		}
	}
	if !gotChanged {
		t.Fatalf("events = %+v, want a changed event", rec.events)
	}
}

func TestHandlerOrdering(t *testing.T) {
	r, q, _ := newTestRouter()
	var order []string
	a := &testEntity{name: "a"}
	a.onTime = func(e event.Event) error { order = append(order, "a"); return nil }
	b := &testEntity{name: "b"}
	b.onTime = func(e event.Event) error { order = append(order, "b"); return nil }

	r.Register(q, 0, a)
	r.Register(q, 0, b)
	r.DispatchDue(q, 0) // drain created events

	r.Send(q, 1, event.TimeUpdated(1))
	r.DispatchDue(q, 1)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
}

func TestHandlerExceptionDoesNotStopOthers(t *testing.T) {
	r, q, rec := newTestRouter()
	var called []string

	first := &testEntity{name: "first"}
	first.onPing = func(e event.Event) error { called = append(called, "first"); return nil }
	mid := &testEntity{name: "mid"}
	mid.onPing = func(e event.Event) error {
		called = append(called, "mid")
		return errors.New("boom")
	}
	last := &testEntity{name: "last"}
	last.onPing = func(e event.Event) error { called = append(called, "last"); return nil }

	r.Register(q, 0, first)
	r.Register(q, 0, mid)
	r.Register(q, 0, last)
	r.DispatchDue(q, 0)
	rec.events = nil

	r.Send(q, 1, event.New("ping", 1, nil))
	r.DispatchDue(q, 1)

	if len(called) != 3 {
		t.Fatalf("called = %v, want all three invoked", called)
	}
}

func TestTargetRouting(t *testing.T) {
	r, q, _ := newTestRouter()
	var aCalled, bCalled bool

	a := &testEntity{name: "a"}
	a.onPing = func(e event.Event) error { aCalled = true; return nil }
	b := &testEntity{name: "b"}
	b.onPing = func(e event.Event) error { bCalled = true; return nil }

	r.Register(q, 0, a)
	idB, _ := r.Register(q, 0, b)
	r.DispatchDue(q, 0)

	r.Send(q, 1, event.New("ping", 1, nil).WithTarget(idB))
	r.DispatchDue(q, 1)

	if aCalled {
		t.Error("a should not have been invoked")
	}
	if !bCalled {
		t.Error("b should have been invoked")
	}
}
