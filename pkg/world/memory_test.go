// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"reflect"
	"testing"
	"time"
)

func TestMemoryComputeDiffEmpty(t *testing.T) {
	m := NewMemory("test")
	m.Spawn(NewEntity().With("pos", []byte{1}))

	_, marker := m.ComputeDiff(0, NewFilter(nil))

	m.Step(16 * time.Millisecond)
	if d, _ := m.ComputeDiff(marker, NewFilter(nil)); !d.IsEmpty() {
		t.Fatalf("expected empty diff without changes, got %v", d.Changes)
	}
}

func TestMemoryComputeDiff(t *testing.T) {
	m := NewMemory("test")
	filter := NewFilter(nil)

	a := m.Spawn(NewEntity().With("pos", []byte{1}).With("hp", []byte{10}))
	b := m.Spawn(NewEntity().With("pos", []byte{2}))
	_, marker := m.ComputeDiff(0, filter)

	if err := m.Set(a, "pos", []byte{3}); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(a, "hp"); err != nil {
		t.Fatal(err)
	}
	m.Despawn(b)
	c := m.Spawn(NewEntity().With("pos", []byte{4}))

	d, _ := m.ComputeDiff(marker, filter)
	expected := []Change{
		{Kind: Updated, Entity: a, Components: Entity{"pos": {3}}},
		{Kind: Removed, Entity: a, Names: []string{"hp"}},
		{Kind: Spawned, Entity: c, Components: Entity{"pos": {4}}},
		{Kind: Despawned, Entity: b},
	}
	if !reflect.DeepEqual(d.Changes, expected) {
		t.Fatalf("diff mismatch:\n%v\n%v", d.Changes, expected)
	}
}

func TestMemoryFilter(t *testing.T) {
	m := NewMemory("test")
	filter := NewFilter(func(component string, _ Event) bool {
		return component != "secret"
	})

	m.Spawn(NewEntity().WithDefault(NoSync).With("pos", []byte{1}))
	visible := m.Spawn(NewEntity().With("pos", []byte{2}).With("secret", []byte{42}))

	d := m.InitialDiff(filter)
	if l := len(d.Changes); l != 1 {
		t.Fatalf("expected one visible entity, got %d", l)
	}
	if d.Changes[0].Entity != visible || d.Changes[0].Components.Has("secret") {
		t.Fatalf("filter was not applied: %v", d.Changes[0])
	}
}

func TestMemorySpawnDespawnWithinOneDiff(t *testing.T) {
	m := NewMemory("test")
	_, marker := m.ComputeDiff(0, NewFilter(nil))

	id := m.Spawn(NewEntity().With("pos", []byte{1}))
	m.Despawn(id)

	if d, _ := m.ComputeDiff(marker, NewFilter(nil)); !d.IsEmpty() {
		t.Fatalf("short lived entity should not be visible, got %v", d.Changes)
	}
}

func TestMemoryInitialDiffReconstructs(t *testing.T) {
	server := NewMemory("server")
	filter := NewFilter(nil)

	a := server.Spawn(NewEntity().With("pos", []byte{1}).WithDefault("marker"))
	server.Spawn(NewEntity().With("pos", []byte{2}))
	_ = server.Set(a, "pos", []byte{5})
	server.Spawn(NewEntity().WithDefault(NoSync))

	initial := server.InitialDiff(filter)
	data, err := initial.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseDiff(data)
	if err != nil {
		t.Fatal(err)
	}

	client := NewMemory("client")
	if err := client.Apply(parsed); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(client.InitialDiff(Filter{}), initial) {
		t.Fatalf("reconstruction differs:\n%v\n%v", client.InitialDiff(Filter{}).Changes, initial.Changes)
	}
}

func TestMemoryPlayerByUserID(t *testing.T) {
	m := NewMemory("test")
	m.Spawn(NewEntity().With(UserID, []byte("bob")))
	alice := m.Spawn(NewPlayerEntity("alice"))

	if id, ok := m.PlayerByUserID("alice"); !ok || id != alice {
		t.Fatalf("expected %v, got %v (%t)", alice, id, ok)
	}
	if _, ok := m.PlayerByUserID("bob"); ok {
		t.Fatal("entity without player marker must not be found")
	}
}

func TestMemorySetUnknownEntity(t *testing.T) {
	m := NewMemory("test")
	if err := m.Set(42, "pos", nil); err == nil {
		t.Fatal("expected an error")
	}
}

func TestMemoryNoSyncTransitions(t *testing.T) {
	server := NewMemory("server")
	client := NewMemory("client")
	filter := NewFilter(nil)

	hidden := server.Spawn(NewEntity().WithDefault(NoSync).With("pos", []byte{1}))
	shown := server.Spawn(NewEntity().With("pos", []byte{2}))

	d, marker := server.ComputeDiff(0, filter)
	if err := client.Apply(d); err != nil {
		t.Fatal(err)
	}

	if err := server.Remove(hidden, NoSync); err != nil {
		t.Fatal(err)
	}
	if err := server.Set(shown, NoSync, nil); err != nil {
		t.Fatal(err)
	}

	d, marker = server.ComputeDiff(marker, filter)
	expected := []Change{
		{Kind: Spawned, Entity: hidden, Components: Entity{"pos": {1}}},
		{Kind: Despawned, Entity: shown},
	}
	if !reflect.DeepEqual(d.Changes, expected) {
		t.Fatalf("diff mismatch:\n%v\n%v", d.Changes, expected)
	}
	if err := client.Apply(d); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(client.InitialDiff(Filter{}), server.InitialDiff(filter)) {
		t.Fatalf("client differs:\n%v\n%v", client.InitialDiff(Filter{}).Changes, server.InitialDiff(filter).Changes)
	}

	// hiding and showing again within one diff is invisible
	_ = server.Set(hidden, NoSync, nil)
	_ = server.Remove(hidden, NoSync)
	if d, _ = server.ComputeDiff(marker, filter); !d.IsEmpty() {
		t.Fatalf("expected empty diff, got %v", d.Changes)
	}
}

func TestMemoryDespawnAfterHiding(t *testing.T) {
	m := NewMemory("test")
	filter := NewFilter(nil)

	never := m.Spawn(NewEntity().WithDefault(NoSync))
	seen := m.Spawn(NewEntity().With("pos", []byte{1}))
	_, marker := m.ComputeDiff(0, filter)

	_ = m.Set(seen, NoSync, nil)
	m.Despawn(seen)
	m.Despawn(never)

	d, _ := m.ComputeDiff(marker, filter)
	expected := []Change{{Kind: Despawned, Entity: seen}}
	if !reflect.DeepEqual(d.Changes, expected) {
		t.Fatalf("diff mismatch:\n%v\n%v", d.Changes, expected)
	}
}
