// Package router implements the event router: the central dispatcher
// that looks up subscribers for an event, applies target-id filtering,
// invokes handlers in registration order, snapshots/diffs entity state
// around each invocation, and broadcasts the event once every handler
// has run.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/billdback/scarab/internal/scarab/clock"
	"github.com/billdback/scarab/internal/scarab/entity"
	"github.com/billdback/scarab/internal/scarab/event"
	"github.com/billdback/scarab/internal/scarab/queue"
	"github.com/billdback/scarab/internal/scarab/scerr"
)

// Broadcaster receives every event the router dispatches, after all of
// that event's handlers have run. Implemented by the control server
// and the event logger.
type Broadcaster interface {
	Broadcast(e event.Event)
}

// key indexes entity-lifecycle and entity-change bindings by
// (kind, scarab_name).
type key struct {
	kind entity.HandlerKind
	name string
}

// subscriber pairs a descriptor with one of its handler bindings, the
// unit of work the router actually invokes.
type subscriber struct {
	descriptor *entity.Descriptor
	binding    entity.HandlerBinding
}

// Router is the central dispatcher. It owns the entity registry and
// the subscriber indices; the Event Queue is owned by the caller
// (normally the Simulation) and passed into Send/DispatchDue.
type Router struct {
	logger *slog.Logger

	mu          sync.Mutex
	byID        map[event.EntityID]*entity.Descriptor
	byEventName map[string][]*subscriber
	byKindName  map[key][]*subscriber

	broadcasters []Broadcaster
}

// New returns a Router with no registered entities or broadcasters.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:      logger,
		byID:        make(map[event.EntityID]*entity.Descriptor),
		byEventName: make(map[string][]*subscriber),
		byKindName:  make(map[key][]*subscriber),
	}
}

// AddBroadcaster wires an observer (control server, event logger) into
// the post-dispatch broadcast fan-out.
func (r *Router) AddBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasters = append(r.broadcasters, b)
}

// Register assigns a new EntityID, indexes the entity's handler
// bindings, and enqueues a created event at the given sim-time. Fails
// with RegistrationError if ent is already registered.
func (r *Router) Register(q *queue.Queue, now clock.SimTime, ent entity.Entity) (event.EntityID, error) {
	r.mu.Lock()
	for _, d := range r.byID {
		if d.Entity == ent {
			r.mu.Unlock()
			return "", &scerr.RegistrationError{Reason: "entity already registered"}
		}
	}
	r.mu.Unlock()

	id := event.EntityID(uuid.NewString())
	d := entity.BuildDescriptor(id, ent)

	r.mu.Lock()
	r.byID[id] = d
	r.indexLocked(d)
	r.mu.Unlock()

	created := event.EntityCreated(now, d.LastView())
	if err := q.Push(created); err != nil {
		return id, err
	}
	return id, nil
}

// Unregister removes an entity from the registry and enqueues a
// destroyed event carrying its last-known view. Fails with
// RegistrationError if id is unknown.
func (r *Router) Unregister(q *queue.Queue, now clock.SimTime, id event.EntityID) error {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return &scerr.RegistrationError{EntityID: string(id), Reason: "unknown entity"}
	}
	delete(r.byID, id)
	r.deindexLocked(d)
	r.mu.Unlock()

	destroyed := event.EntityDestroyed(now, d.LastView())
	return q.Push(destroyed)
}

// indexLocked records d's handler bindings in the subscriber indices.
// Caller must hold r.mu.
func (r *Router) indexLocked(d *entity.Descriptor) {
	for _, b := range d.Handlers {
		sub := &subscriber{descriptor: d, binding: b}
		switch b.Kind {
		case entity.KindNamedEvent:
			r.byEventName[b.Selector] = append(r.byEventName[b.Selector], sub)
		default:
			name := b.Selector
			if b.Kind == entity.KindTimeUpdated || b.Kind == entity.KindShutdown {
				// Selector is ignored for these kinds; one bucket keeps
				// registration order.
				name = ""
			}
			k := key{kind: b.Kind, name: name}
			r.byKindName[k] = append(r.byKindName[k], sub)
		}
	}
}

// deindexLocked removes d's handler bindings from the subscriber
// indices. Caller must hold r.mu.
func (r *Router) deindexLocked(d *entity.Descriptor) {
	for name, subs := range r.byEventName {
		r.byEventName[name] = removeByDescriptor(subs, d)
	}
	for k, subs := range r.byKindName {
		r.byKindName[k] = removeByDescriptor(subs, d)
	}
}

func removeByDescriptor(subs []*subscriber, d *entity.Descriptor) []*subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.descriptor != d {
			out = append(out, s)
		}
	}
	return out
}

// Send enqueues an event onto the queue at its declared sim_time,
// defaulting to now if unset (zero value).
func (r *Router) Send(q *queue.Queue, now clock.SimTime, e event.Event) error {
	if e.SimTime == 0 {
		e.SimTime = now
	}
	return q.Push(e)
}

// DispatchDue drains every event with sim_time <= now and, for each
// one, looks up subscribers, invokes their handlers in registration
// order, snapshots/diffs around each call, and broadcasts the event
// once all of its handlers have completed. Cascading changed events
// produced by handlers are queued for the same tick (sim_time = now)
// and are drained in the same call, since they arrive in q with
// sim_time <= now.
func (r *Router) DispatchDue(q *queue.Queue, now clock.SimTime) {
	for {
		due := q.DrainDue(now)
		if len(due) == 0 {
			return
		}
		for _, e := range due {
			r.dispatchOne(q, now, e)
		}
	}
}

// dispatchOne handles a single event: subscriber lookup, per-handler
// invocation with change detection, and broadcast.
func (r *Router) dispatchOne(q *queue.Queue, now clock.SimTime, e event.Event) {
	subs := r.subscribersFor(e)

	matched := false
	for _, sub := range subs {
		if e.TargetID != nil && sub.descriptor.ID != *e.TargetID {
			continue
		}
		matched = true
		r.invoke(q, now, sub, e)
	}

	if !matched && e.TargetID != nil {
		r.logger.Debug("event dropped: no subscriber for target", "event", e.Name, "target_id", string(*e.TargetID))
	}

	r.broadcast(e)
}

// subscribersFor resolves the subscriber list for e, by event name for
// user/named events or by (kind, scarab_name) for system lifecycle and
// time events.
func (r *Router) subscribersFor(e event.Event) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Name {
	case event.NameTimeUpdated:
		return r.allOfKindLocked(entity.KindTimeUpdated)
	case event.NameSimulationShutdown:
		return r.allOfKindLocked(entity.KindShutdown)
	case event.NameEntityCreated:
		return r.matchingNameLocked(entity.KindCreated, e)
	case event.NameEntityChanged:
		return r.matchingNameLocked(entity.KindChanged, e)
	case event.NameEntityDestroyed:
		return r.matchingNameLocked(entity.KindDestroyed, e)
	default:
		subs := r.byEventName[e.Name]
		out := make([]*subscriber, len(subs))
		copy(out, subs)
		return out
	}
}

// allOfKindLocked collects subscribers across every selector bucket for
// a given kind (time_updated/shutdown bindings ignore the selector).
// Caller must hold r.mu.
func (r *Router) allOfKindLocked(kind entity.HandlerKind) []*subscriber {
	var out []*subscriber
	for k, subs := range r.byKindName {
		if k.kind == kind {
			out = append(out, subs...)
		}
	}
	return out
}

// matchingNameLocked finds subscribers for a lifecycle kind whose
// selector matches the scarab_name carried in the event's entity
// payload. Caller must hold r.mu.
func (r *Router) matchingNameLocked(kind entity.HandlerKind, e event.Event) []*subscriber {
	view, _ := e.Payload["entity"].(map[string]any)
	name, _ := view["scarab_name"].(string)
	return append([]*subscriber(nil), r.byKindName[key{kind: kind, name: name}]...)
}

// invoke snapshots the subscriber's entity, calls its handler, diffs
// the result, and enqueues a changed event for the same tick if any
// tracked property differs. A handler error or panic is logged as a
// HandlerFault; dispatch continues with the remaining subscribers.
func (r *Router) invoke(q *queue.Queue, now clock.SimTime, sub *subscriber, e event.Event) {
	d := sub.descriptor
	before := entity.Snapshot(d)

	if err := r.callHandler(sub, e); err != nil {
		r.logger.Error("handler fault", "event", e.Name, "entity_id", string(d.ID), "error", err)
		return
	}

	after := entity.Snapshot(d)
	changed := entity.Diff(d, before, after)
	if len(changed) == 0 {
		return
	}

	view := entity.View(d.ID, d.ScarabName, d.ConformsTo, after)
	d.SetLastView(view)

	changedEvt := event.EntityChanged(now, view, changed)
	if err := q.Push(changedEvt); err != nil {
		r.logger.Error("failed to enqueue changed event", "entity_id", string(d.ID), "error", err)
	}
}

// callHandler invokes the bound handler, recovering from panics and
// converting them into errors so one misbehaving handler can never
// abort the tick for the remaining subscribers.
func (r *Router) callHandler(sub *subscriber, e event.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &scerr.HandlerFault{EventName: e.Name, EntityID: string(sub.descriptor.ID), Cause: recoveredError(p)}
		}
	}()
	if cause := sub.binding.Invoke(e); cause != nil {
		return &scerr.HandlerFault{EventName: e.Name, EntityID: string(sub.descriptor.ID), Cause: cause}
	}
	return nil
}

func recoveredError(p any) error {
	if e, ok := p.(error); ok {
		return e
	}
	return fmt.Errorf("panic: %v", p)
}

// broadcast serializes e once and sends it to every registered
// observer. Broadcast happens after all handlers for e have run, in
// the same logical thread, giving observers causal order consistent
// with handler execution.
func (r *Router) broadcast(e event.Event) {
	r.mu.Lock()
	bs := make([]Broadcaster, len(r.broadcasters))
	copy(bs, r.broadcasters)
	r.mu.Unlock()

	for _, b := range bs {
		b.Broadcast(e)
	}
}

// Descriptor returns the registered descriptor for id, if any.
func (r *Router) Descriptor(id event.EntityID) (*entity.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	return d, ok
}

// Count returns the number of currently registered entities.
func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
