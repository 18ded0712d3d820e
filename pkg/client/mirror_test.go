// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package client

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/internal/quictest"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/world"
)

func TestMirror(t *testing.T) {
	log.SetLevel(log.DebugLevel)

	serverConn, clientConn := quictest.Pair(t)
	source := world.NewMemory("source")
	filter := world.NewFilter(nil)

	a := source.Spawn(world.NewEntity().With("pos", []byte{1}))
	source.Spawn(world.NewEntity().With("pos", []byte{2}))

	serverErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		proto, err := protocol.ServerHandshake(ctx, serverConn, protocol.DefaultServerInfo(), nil)
		if err != nil {
			serverErr <- err
			return
		}

		initial := source.InitialDiff(filter)
		_, marker := source.ComputeDiff(0, filter)
		_ = source.Set(a, "pos", []byte{3})
		next, _ := source.ComputeDiff(marker, filter)

		for _, d := range []world.Diff{initial, next} {
			data, err := d.Bytes()
			if err != nil {
				serverErr <- err
				return
			}
			if err := proto.DiffStream.WriteFrame(data); err != nil {
				serverErr <- err
				return
			}
		}
		serverErr <- proto.DiffStream.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, clientConn, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}

	m := NewMirror()
	if err := m.Run(c); err == nil {
		t.Fatal("Run returned without an error")
	}

	if n := m.Diffs(); n != 2 {
		t.Fatalf("expected two diffs, got %d", n)
	}
	m.View(func(w *world.Memory) {
		if !reflect.DeepEqual(w.InitialDiff(world.Filter{}), source.InitialDiff(filter)) {
			t.Fatalf("mirror differs:\n%v\n%v", w.InitialDiff(world.Filter{}), source.InitialDiff(filter))
		}
	})
}

func TestMirrorApplyUnknownEntity(t *testing.T) {
	m := NewMirror()
	d := world.Diff{Changes: []world.Change{{Kind: world.Updated, Entity: 7, Components: world.Entity{"pos": {1}}}}}

	if err := m.Apply(d); !errors.Is(err, world.ErrNoSuchEntity) {
		t.Fatalf("expected ErrNoSuchEntity, got %v", err)
	}
}
