// Package entity defines the registry-facing shape of a simulation
// entity: the handlers it declares, the public properties it tracks
// for change detection, and the serialised view broadcast in
// lifecycle events.
package entity

import (
	"reflect"
	"strings"

	"github.com/billdback/scarab/internal/scarab/event"
)

// HandlerKind identifies what a HandlerBinding fires on.
type HandlerKind string

const (
	KindCreated     HandlerKind = "created"
	KindChanged     HandlerKind = "changed"
	KindDestroyed   HandlerKind = "destroyed"
	KindTimeUpdated HandlerKind = "time_updated"
	KindShutdown    HandlerKind = "shutdown"
	KindNamedEvent  HandlerKind = "named_event"
)

// Invoker is a handler callable on an entity. It receives the
// triggering event and may mutate the entity's state; the router
// snapshots and diffs around the call.
type Invoker func(e event.Event) error

// HandlerBinding pairs a handler kind and selector (entity-name for
// entity-kind bindings, event-name for named-event bindings) with the
// callable to invoke.
type HandlerBinding struct {
	Kind     HandlerKind
	Selector string
	Invoke   Invoker
}

// Describer is implemented by any entity that wants to receive events.
// Describe is called once, at registration time, and its result is
// never re-queried — entities that need to change their subscriptions
// must unregister and re-register.
type Describer interface {
	Describe() []HandlerBinding
}

// Viewer is implemented by any entity that can render itself as a
// JSON-serializable public view. Property names beginning with "_"
// are private by convention and must be excluded by the implementation.
type Viewer interface {
	// ScarabName returns the domain-level name tag for this entity,
	// used for entity-name selector matching. Not the host type name.
	ScarabName() string
	// EntityView returns the entity's public, data-valued properties
	// as a flat map. Implementations must return a fresh map (or a
	// copy) each call so the router's snapshot/diff logic is never
	// aliasing live entity state.
	EntityView() map[string]any
}

// ConformsTo is optionally implemented by entities that want to tag
// themselves with an interface-like grouping in their EntityView.
type ConformsTo interface {
	ScarabConformsTo() string
}

// Entity is the combined interface the registry requires.
type Entity interface {
	Describer
	Viewer
}

// Descriptor is the registry's record for one registered entity.
type Descriptor struct {
	ID           event.EntityID
	ScarabName   string
	ConformsTo   string // empty if the entity does not implement ConformsTo
	Handlers     []HandlerBinding
	PropertySpec []string // tracked property names, captured at registration
	Entity       Entity
	lastView     map[string]any // last-known snapshot, for destroyed-event emission
}

// LastView returns the most recently captured view, used when
// synthesizing the destroyed event after the entity is gone from the
// registry.
func (d *Descriptor) LastView() map[string]any {
	return d.lastView
}

// SetLastView records the latest view, called by the router after
// every snapshot.
func (d *Descriptor) SetLastView(v map[string]any) {
	d.lastView = v
}

// BuildDescriptor inspects ent once and records its handler bindings,
// tracked property set, and scarab_name/scarab_conforms_to tags. The id
// must already have been assigned by the caller (the registry owns id
// generation).
func BuildDescriptor(id event.EntityID, ent Entity) *Descriptor {
	view := ent.EntityView()
	props := make([]string, 0, len(view))
	for k := range view {
		if isTracked(k) {
			props = append(props, k)
		}
	}

	conformsTo := ""
	if ct, ok := ent.(ConformsTo); ok {
		conformsTo = ct.ScarabConformsTo()
	}

	return &Descriptor{
		ID:           id,
		ScarabName:   ent.ScarabName(),
		ConformsTo:   conformsTo,
		Handlers:     ent.Describe(),
		PropertySpec: props,
		Entity:       ent,
		lastView:     View(id, ent.ScarabName(), conformsTo, view),
	}
}

// isTracked reports whether a property name should be part of the
// tracked set: public (no leading underscore) and non-empty.
func isTracked(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_")
}

// View assembles the EntityView wire map: the entity's public
// properties plus the mandatory scarab_name/scarab_id/
// scarab_conforms_to fields. Never includes handler references or
// private state.
func View(id event.EntityID, scarabName, conformsTo string, props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+3)
	for k, v := range props {
		if isTracked(k) {
			out[k] = v
		}
	}
	out["scarab_name"] = scarabName
	out["scarab_id"] = string(id)
	if conformsTo != "" {
		out["scarab_conforms_to"] = conformsTo
	} else {
		out["scarab_conforms_to"] = nil
	}
	return out
}

// Snapshot returns the current tracked-property values for an entity,
// restricted to PropertySpec, as captured at registration. Values are
// stored exactly as EntityView returns them; Snapshot copies nothing
// itself, so a collection value is independent of live entity state
// only if EntityView hands out a copy of it. A collection shared with
// the entity and mutated in place compares equal before and after and
// is not reported as changed.
func Snapshot(d *Descriptor) map[string]any {
	full := d.Entity.EntityView()
	snap := make(map[string]any, len(d.PropertySpec))
	for _, k := range d.PropertySpec {
		snap[k] = full[k]
	}
	return snap
}

// ChangeSet is the result of diffing two property snapshots: the new
// EntityView plus the names of properties that differ.
type ChangeSet struct {
	View    map[string]any
	Changed []string
}

// Diff compares a before/after pair of Snapshot results under
// structural equality and returns the names of properties that
// differ, in PropertySpec order. Nested mutation of an opaque object
// that doesn't change its own equality is not reported — entities
// wanting a change reported must assign a new value.
func Diff(d *Descriptor, before, after map[string]any) []string {
	var changed []string
	for _, k := range d.PropertySpec {
		if !deepEqual(before[k], after[k]) {
			changed = append(changed, k)
		}
	}
	return changed
}

// deepEqual is the one stdlib-only piece of this package: no library in
// the retrieval pack offers a generic structural-equality comparison
// over arbitrary map[string]any values, so reflect.DeepEqual is used
// directly (see DESIGN.md).
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
