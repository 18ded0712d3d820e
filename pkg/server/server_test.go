// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/client"
	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

type testServer struct {
	*Server
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, conf Config, setup func(inst *Instance)) *testServer {
	t.Helper()
	log.SetLevel(log.DebugLevel)

	mem := world.NewMemory(MainInstance)
	inst := NewInstance(MainInstance, mem)
	if setup != nil {
		setup(inst)
	}

	registry := NewRegistry()
	if err := registry.AddInstance(inst); err != nil {
		t.Fatal(err)
	}

	if conf.ListenAddress == "" {
		conf.ListenAddress = "localhost:0"
	}
	if conf.TickInterval == 0 {
		conf.TickInterval = 10 * time.Millisecond
	}

	srv, err := New(conf, registry)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server: srv,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ts.done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, userID string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, ts.Addr().String(), userID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// nextDiffWithin reads the next diff with a timeout.
func nextDiffWithin(t *testing.T, c *client.Client, timeout time.Duration) world.Diff {
	t.Helper()

	type result struct {
		d   world.Diff
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.NextDiff()
		ch <- result{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		return r.d
	case <-time.After(timeout):
		t.Fatal("no diff received")
		return world.Diff{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if cond() {
			return
		}
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestServerEndToEnd(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	var thing world.EntityID
	_ = ts.Registry().WithInstance(MainInstance, func(w world.World) error {
		thing = w.Spawn(world.NewEntity().With("pos", []byte{0}))
		return nil
	})

	c := ts.dial(t, "alice")

	expectedInfo := protocol.ClientInfo{UserID: "alice", ExternalComponents: []protocol.ExternalComponent{}}
	if !reflect.DeepEqual(c.ClientInfo(), expectedInfo) {
		t.Fatalf("unexpected client info %v", c.ClientInfo())
	}
	if c.ServerInfo().Version != "1.0.0" {
		t.Fatalf("unexpected server info %v", c.ServerInfo())
	}

	// first diff: full snapshot with the thing and alice's own entity
	if snapshot := nextDiffWithin(t, c, 5*time.Second); len(snapshot.Changes) != 2 {
		t.Fatalf("unexpected snapshot %v", snapshot.Changes)
	}

	_ = ts.Registry().WithInstance(MainInstance, func(w world.World) error {
		return w.Set(thing, "pos", []byte{1})
	})

	d := nextDiffWithin(t, c, 5*time.Second)
	expected := []world.Change{{Kind: world.Updated, Entity: thing, Components: world.Entity{"pos": {1}}}}
	if !reflect.DeepEqual(d.Changes, expected) {
		t.Fatalf("expected %v, got %v", expected, d.Changes)
	}

	// stats arrive independently of diffs
	if _, err := c.NextStat(); err != nil {
		t.Fatal(err)
	}
}

func TestServerUnknownDatagram(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	c := ts.dial(t, "alice")
	nextDiffWithin(t, c, 5*time.Second)

	if err := c.SendDatagram(0xFFFFFFFF, []byte("nobody listens")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	_ = ts.Registry().WithInstance(MainInstance, func(w world.World) error {
		w.Spawn(world.NewEntity().With("pos", []byte{1}))
		return nil
	})

	if d := nextDiffWithin(t, c, 5*time.Second); len(d.Changes) != 1 || d.Changes[0].Kind != world.Spawned {
		t.Fatalf("unexpected diff %v", d.Changes)
	}

	select {
	case <-c.Conn().Context().Done():
		t.Fatal("connection was closed")
	default:
	}
}

func TestServerHandlers(t *testing.T) {
	datagrams := make(chan string, 8)

	ts := startServer(t, Config{}, func(inst *Instance) {
		rpc := dispatch.NewRPCRegistry()
		rpc.Register("whoami", func(ctx *dispatch.Context, _ []byte) ([]byte, error) {
			var name []byte
			err := ctx.Worlds.WithPlayerWorld(ctx.UserID, func(w world.World, player world.EntityID) error {
				name, _ = w.Get(player, world.Name)
				return nil
			})
			return name, err
		})
		_ = inst.Handlers.RegisterBi(dispatch.RPCBiStreamID, rpc)
		_ = inst.Handlers.RegisterDatagram(2, dispatch.DatagramHandlerFunc(func(ctx *dispatch.Context, payload []byte) {
			datagrams <- ctx.UserID + ":" + string(payload)
		}))
	})
	c := ts.dial(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if name, err := c.CallRPC(ctx, "whoami", nil); err != nil || string(name) != "Player alice" {
		t.Fatalf("whoami: %q, %v", name, err)
	}

	for received := false; !received; {
		_ = c.SendDatagram(2, []byte("hi"))
		select {
		case msg := <-datagrams:
			if msg != "alice:hi" {
				t.Fatalf("unexpected datagram %q", msg)
			}
			received = true
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("datagram was not handled")
		}
	}
}

func TestServerReconnect(t *testing.T) {
	ts := startServer(t, Config{}, nil)

	first := ts.dial(t, "alice")
	nextDiffWithin(t, first, 5*time.Second)
	player, _ := ts.Registry().Player("alice")

	second := ts.dial(t, "alice")
	if snapshot := nextDiffWithin(t, second, 5*time.Second); len(snapshot.Changes) != 1 {
		t.Fatalf("unexpected snapshot %v", snapshot.Changes)
	}

	// the first connection is closed as superseded
	select {
	case <-first.Conn().Context().Done():
		var appErr *quic.ApplicationError
		if cause := context.Cause(first.Conn().Context()); !errors.As(cause, &appErr) || appErr.ErrorCode != transport.Superseded {
			t.Fatalf("unexpected close reason %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first connection was not closed")
	}

	// the stale disconnect has been processed without evicting the new connection
	time.Sleep(100 * time.Millisecond)
	current, ok := ts.Registry().Player("alice")
	if !ok || current.ConnectionID == player.ConnectionID || current.Entity != player.Entity {
		t.Fatalf("unexpected player after reconnection %+v (before %+v)", current, player)
	}
	if ts.Registry().PlayerCount() != 1 {
		t.Fatalf("expected one player, got %d", ts.Registry().PlayerCount())
	}

	_ = second.Close()
	waitFor(t, "player to leave", func() bool { return ts.Registry().PlayerCount() == 0 })
	_ = ts.Registry().WithInstance(MainInstance, func(w world.World) error {
		if _, ok := w.PlayerByUserID("alice"); ok {
			t.Error("player entity was not despawned")
		}
		return nil
	})
}

func TestServerVersionMismatch(t *testing.T) {
	info := protocol.DefaultServerInfo()
	info.Version = "0.0.0-other"
	ts := startServer(t, Config{ServerInfo: info}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, ts.Addr().String(), "alice"); !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	waitFor(t, "mismatched player to leave", func() bool { return ts.Registry().PlayerCount() == 0 })
}

func TestServerInactivity(t *testing.T) {
	ts := startServer(t, Config{
		InactivityThreshold: 200 * time.Millisecond,
		InactivityInterval:  50 * time.Millisecond,
	}, nil)

	select {
	case err := <-ts.done:
		if !errors.Is(err, ErrInactive) {
			t.Fatalf("expected ErrInactive, got %v", err)
		}
		ts.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerInactivityWithPlayer(t *testing.T) {
	ts := startServer(t, Config{
		InactivityThreshold: 200 * time.Millisecond,
		InactivityInterval:  50 * time.Millisecond,
	}, nil)

	if err := ts.Registry().JoinLocal("alice", MainInstance); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-ts.done:
		t.Fatalf("server shut down with a player: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	ts.Registry().Leave("alice", LocalConnectionID)

	select {
	case err := <-ts.done:
		if !errors.Is(err, ErrInactive) {
			t.Fatalf("expected ErrInactive, got %v", err)
		}
		ts.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerShutdownClosesSessions(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	c := ts.dial(t, "alice")
	nextDiffWithin(t, c, 5*time.Second)

	ts.cancel()

	select {
	case <-c.Conn().Context().Done():
		var appErr *quic.ApplicationError
		if cause := context.Cause(c.Conn().Context()); !errors.As(cause, &appErr) || appErr.ErrorCode != transport.ApplicationShutdown {
			t.Fatalf("unexpected close reason %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestServerContentBaseURL(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	ts.SetContentBaseURL("https://relay.example.com/assets/")

	c := ts.dial(t, "alice")
	if c.ServerInfo().ContentBaseURL != "https://relay.example.com/assets/" {
		t.Fatalf("unexpected server info %v", c.ServerInfo())
	}
}
