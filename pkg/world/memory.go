// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"bytes"
	"fmt"
	"sort"
	"time"
)

type component struct {
	value   []byte
	added   uint64
	changed uint64
}

type record struct {
	components map[string]*component
	spawned    uint64
}

func (rec *record) entity() Entity {
	e := make(Entity, len(rec.components))
	for name, comp := range rec.components {
		e[name] = comp.value
	}
	return e
}

// tombstone remembers a despawned entity or a removed component until it was part of a diff.
type tombstone struct {
	id      EntityID
	at      uint64
	spawned uint64

	// removed component
	name  string
	added uint64

	// despawned entity
	rec *record
}

// Memory is an in-memory World. Every mutation is stamped with a monotonic version, which serves as the Marker.
type Memory struct {
	name string

	entities map[EntityID]*record
	nextID   EntityID

	despawned []tombstone
	removed   []tombstone

	version uint64
	time    time.Duration
}

// NewMemory creates an empty Memory world.
func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		entities: make(map[EntityID]*record),
		nextID:   1,
	}
}

func (m *Memory) String() string {
	return fmt.Sprintf("Memory(%s, %d entities)", m.name, len(m.entities))
}

func (m *Memory) stamp() uint64 {
	m.version++
	return m.version
}

// Step advances the world's time.
func (m *Memory) Step(elapsed time.Duration) {
	m.time += elapsed
}

// Time is the accumulated simulation time.
func (m *Memory) Time() time.Duration {
	return m.time
}

// Len is the number of entities.
func (m *Memory) Len() int {
	return len(m.entities)
}

// Entities returns all EntityIDs in ascending order.
func (m *Memory) Entities() []EntityID {
	ids := make([]EntityID, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entity returns a copy of an entity's components.
func (m *Memory) Entity(id EntityID) (Entity, bool) {
	rec, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	return rec.entity(), true
}

// Spawn a new entity.
func (m *Memory) Spawn(e Entity) EntityID {
	id := m.nextID
	m.nextID++
	m.spawnAt(id, e)
	return id
}

func (m *Memory) spawnAt(id EntityID, e Entity) {
	at := m.stamp()
	rec := &record{
		components: make(map[string]*component, len(e)),
		spawned:    at,
	}
	for name, value := range e {
		rec.components[name] = &component{value: value, added: at, changed: at}
	}
	m.entities[id] = rec

	if id >= m.nextID {
		m.nextID = id + 1
	}
}

// Despawn an entity.
func (m *Memory) Despawn(id EntityID) bool {
	rec, ok := m.entities[id]
	if !ok {
		return false
	}

	delete(m.entities, id)
	m.despawned = append(m.despawned, tombstone{id: id, at: m.stamp(), spawned: rec.spawned, rec: rec})
	return true
}

// Set a component of an existing entity.
func (m *Memory) Set(id EntityID, name string, value []byte) error {
	rec, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("setting %s on %v: %w", name, id, ErrNoSuchEntity)
	}

	if comp, ok := rec.components[name]; ok {
		comp.value = value
		comp.changed = m.stamp()
	} else {
		at := m.stamp()
		rec.components[name] = &component{value: value, added: at, changed: at}
	}
	return nil
}

// Get a component.
func (m *Memory) Get(id EntityID, name string) ([]byte, bool) {
	rec, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	comp, ok := rec.components[name]
	if !ok {
		return nil, false
	}
	return comp.value, true
}

// Remove a component of an existing entity. Removing an absent component is a no-op.
func (m *Memory) Remove(id EntityID, name string) error {
	rec, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("removing %s from %v: %w", name, id, ErrNoSuchEntity)
	}
	comp, ok := rec.components[name]
	if !ok {
		return nil
	}

	delete(rec.components, name)
	m.removed = append(m.removed, tombstone{id: id, name: name, added: comp.added, at: m.stamp(), spawned: rec.spawned})
	return nil
}

// PlayerByUserID looks up the entity carrying both the Player and the matching UserID component.
func (m *Memory) PlayerByUserID(userID string) (EntityID, bool) {
	for _, id := range m.Entities() {
		rec := m.entities[id]
		if _, isPlayer := rec.components[Player]; !isPlayer {
			continue
		}
		if comp, ok := rec.components[UserID]; ok && bytes.Equal(comp.value, []byte(userID)) {
			return id, true
		}
	}
	return 0, false
}

// excludedNow checks the Filter's exclusion against the current components.
func excludedNow(rec *record, filter Filter) bool {
	for _, name := range filter.ExcludeWith {
		if _, ok := rec.components[name]; ok {
			return true
		}
	}
	return false
}

// excludedAt checks the Filter's exclusion against the components present at mark. removed holds the removal
// tombstones after mark of this entity.
func excludedAt(rec *record, filter Filter, mark uint64, removed []tombstone) bool {
	for _, name := range filter.ExcludeWith {
		if comp, ok := rec.components[name]; ok && comp.added <= mark {
			return true
		}
		for _, ts := range removed {
			if ts.name == name && ts.spawned == rec.spawned && ts.added <= mark {
				return true
			}
		}
	}
	return false
}

func (m *Memory) visible(rec *record, filter Filter, event Event, since uint64) Entity {
	e := make(Entity)
	for name, comp := range rec.components {
		if comp.changed > since && filter.syncs(name, event) {
			e[name] = comp.value
		}
	}
	return e
}

// InitialDiff creates a full snapshot as seen through the Filter.
func (m *Memory) InitialDiff(filter Filter) Diff {
	var d Diff
	for _, id := range m.Entities() {
		rec := m.entities[id]
		if excludedNow(rec, filter) {
			continue
		}
		d.Changes = append(d.Changes, Change{
			Kind:       Spawned,
			Entity:     id,
			Components: m.visible(rec, filter, EventSpawned, 0),
		})
	}
	return d
}

// ComputeDiff collects all changes after since. Markers handed out by this method must only be used in ascending
// order, because tombstones up to since are discarded.
func (m *Memory) ComputeDiff(since Marker, filter Filter) (Diff, Marker) {
	var (
		d    Diff
		mark = uint64(since)
	)

	removedByEntity := make(map[EntityID][]tombstone)
	for _, ts := range m.removed {
		if ts.at > mark {
			removedByEntity[ts.id] = append(removedByEntity[ts.id], ts)
		}
	}

	for _, id := range m.Entities() {
		rec := m.entities[id]
		excluded := excludedNow(rec, filter)

		if rec.spawned > mark {
			if !excluded {
				d.Changes = append(d.Changes, Change{
					Kind:       Spawned,
					Entity:     id,
					Components: m.visible(rec, filter, EventSpawned, 0),
				})
			}
			continue
		}

		// An entity crossing the exclusion boundary appears or vanishes as a whole for clients.
		wasExcluded := excludedAt(rec, filter, mark, removedByEntity[id])
		switch {
		case excluded && wasExcluded:
			continue
		case excluded:
			d.Changes = append(d.Changes, Change{Kind: Despawned, Entity: id})
			continue
		case wasExcluded:
			d.Changes = append(d.Changes, Change{
				Kind:       Spawned,
				Entity:     id,
				Components: m.visible(rec, filter, EventSpawned, 0),
			})
			continue
		}

		if updated := m.visible(rec, filter, EventSet, mark); len(updated) > 0 {
			d.Changes = append(d.Changes, Change{Kind: Updated, Entity: id, Components: updated})
		}

		var names []string
		for _, ts := range removedByEntity[id] {
			if ts.spawned != rec.spawned || contains(filter.ExcludeWith, ts.name) {
				continue
			}
			if _, readded := rec.components[ts.name]; !readded && filter.syncs(ts.name, EventRemoved) && !contains(names, ts.name) {
				names = append(names, ts.name)
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			d.Changes = append(d.Changes, Change{Kind: Removed, Entity: id, Names: names})
		}
	}

	for _, ts := range m.despawned {
		if ts.at <= mark || ts.spawned > mark || excludedAt(ts.rec, filter, mark, removedByEntity[ts.id]) {
			continue
		}
		if _, respawned := m.entities[ts.id]; respawned {
			continue
		}
		d.Changes = append(d.Changes, Change{Kind: Despawned, Entity: ts.id})
	}

	m.despawned = pruneTombstones(m.despawned, mark)
	m.removed = pruneTombstones(m.removed, mark)

	return d, Marker(m.version)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func pruneTombstones(tss []tombstone, mark uint64) []tombstone {
	kept := tss[:0]
	for _, ts := range tss {
		if ts.at > mark {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Apply a Diff, e.g., one received from a server. Spawned entities keep their original EntityID.
func (m *Memory) Apply(d Diff) error {
	for i, change := range d.Changes {
		switch change.Kind {
		case Spawned:
			e := make(Entity, len(change.Components))
			for name, value := range change.Components {
				e[name] = value
			}
			m.spawnAt(change.Entity, e)

		case Updated:
			for name, value := range change.Components {
				if err := m.Set(change.Entity, name, value); err != nil {
					return fmt.Errorf("change %d: %w", i, err)
				}
			}

		case Removed:
			for _, name := range change.Names {
				if err := m.Remove(change.Entity, name); err != nil {
					return fmt.Errorf("change %d: %w", i, err)
				}
			}

		case Despawned:
			m.Despawn(change.Entity)

		default:
			return fmt.Errorf("change %d has unknown kind %v", i, change.Kind)
		}
	}
	return nil
}
