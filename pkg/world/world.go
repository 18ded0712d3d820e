// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package world defines the narrow contract through which the synchronization layer consumes a simulated world.
//
// The synchronization layer never looks into the world's internals. It steps a world, asks it for diffs of its
// observable state against a Filter, and spawns or despawns the ephemeral entities that represent connected players.
// Memory is an in-memory reference implementation of this contract, used by the daemon and by clients to mirror
// the server's state.
package world

import (
	"errors"
	"fmt"
	"time"
)

// Well known component names.
const (
	// Name is a human readable name of an entity.
	Name = "core::name"

	// Player marks an entity as a player's entity.
	Player = "core::player::player"

	// UserID holds the user id of a player's entity as an UTF-8 string.
	UserID = "core::player::user_id"

	// NoSync excludes an entity from all diffs.
	NoSync = "core::no_sync"

	// DontStore excludes an entity from persisted snapshots.
	DontStore = "core::dont_store"
)

// ErrNoSuchEntity is returned for operations on an unknown EntityID.
var ErrNoSuchEntity = errors.New("no such entity")

// EntityID identifies an entity within one world.
type EntityID uint64

func (id EntityID) String() string {
	return fmt.Sprintf("entity(%d)", uint64(id))
}

// Marker is an opaque position in a world's change history. The zero Marker lies before any change.
type Marker uint64

// Entity is a set of named, already serialized components.
type Entity map[string][]byte

// NewEntity creates an empty Entity.
func NewEntity() Entity {
	return make(Entity)
}

// With sets a component and returns the Entity for chaining.
func (e Entity) With(name string, value []byte) Entity {
	e[name] = value
	return e
}

// WithDefault sets a component with an empty value, which is used for marker components.
func (e Entity) WithDefault(name string) Entity {
	e[name] = []byte{}
	return e
}

// Has checks if a component is present.
func (e Entity) Has(name string) bool {
	_, ok := e[name]
	return ok
}

// Event is the kind of change a Filter's predicate is asked about.
type Event uint8

const (
	// EventSpawned is a component present on a newly spawned entity.
	EventSpawned Event = iota + 1

	// EventSet is a component which was added or changed.
	EventSet

	// EventRemoved is a component which was removed.
	EventRemoved
)

// Filter decides which parts of a world are observable by clients.
type Filter struct {
	// ExcludeWith skips every entity carrying at least one of these components.
	ExcludeWith []string

	// Sync decides per component and Event if a change is visible. A nil Sync accepts everything.
	Sync func(component string, event Event) bool
}

// NewFilter creates a Filter excluding NoSync entities and using the given predicate.
func NewFilter(sync func(component string, event Event) bool) Filter {
	return Filter{
		ExcludeWith: []string{NoSync},
		Sync:        sync,
	}
}

// PersistenceFilter selects everything which should end up in a stored snapshot.
func PersistenceFilter() Filter {
	return Filter{ExcludeWith: []string{DontStore}}
}

func (f Filter) syncs(component string, event Event) bool {
	return f.Sync == nil || f.Sync(component, event)
}

// World is the contract of a simulated world as consumed by the synchronization layer.
//
// Implementations do not need to be safe for concurrent use; the server serializes all access.
type World interface {
	// Step advances the world's time by elapsed.
	Step(elapsed time.Duration)

	// Time is the world's accumulated simulation time.
	Time() time.Duration

	// ComputeDiff returns all visible changes after since together with a new Marker for the next call.
	ComputeDiff(since Marker, filter Filter) (Diff, Marker)

	// InitialDiff returns a full snapshot of all visible state, i.e., a diff against an empty world.
	InitialDiff(filter Filter) Diff

	// Spawn creates a new entity.
	Spawn(e Entity) EntityID

	// Despawn removes an entity and reports if it existed.
	Despawn(id EntityID) bool

	// PlayerByUserID looks up the player entity for a user id.
	PlayerByUserID(userID string) (EntityID, bool)

	// Set adds or replaces a component of an existing entity.
	Set(id EntityID, component string, value []byte) error

	// Get reads a component.
	Get(id EntityID, component string) ([]byte, bool)

	// Remove deletes a component of an existing entity.
	Remove(id EntityID, component string) error
}

// NewPlayerEntity creates the ephemeral entity for a connected user.
func NewPlayerEntity(userID string) Entity {
	return NewEntity().
		With(Name, []byte("Player "+userID)).
		WithDefault(Player).
		With(UserID, []byte(userID)).
		WithDefault(DontStore)
}
