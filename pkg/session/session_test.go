// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/internal/quictest"
	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

type noHandlers struct{}

func (noHandlers) WithPlayerWorld(string, func(world.World, world.EntityID) error) error {
	return dispatch.ErrPlayerGone
}

func (noHandlers) BiHandler(string, uint32) (dispatch.BiHandler, error) {
	return nil, dispatch.ErrUnknownHandler
}

func (noHandlers) UniHandler(string, uint32) (dispatch.UniHandler, error) {
	return nil, dispatch.ErrUnknownHandler
}

func (noHandlers) DatagramHandler(string, uint32) (dispatch.DatagramHandler, error) {
	return nil, dispatch.ErrUnknownHandler
}

// blockingDatagrams holds every datagram handler call until release is closed.
type blockingDatagrams struct {
	noHandlers
	started chan struct{}
	release chan struct{}
}

func (b *blockingDatagrams) DatagramHandler(_ string, id uint32) (dispatch.DatagramHandler, error) {
	if id != 7 {
		return nil, dispatch.ErrUnknownHandler
	}
	return dispatch.DatagramHandlerFunc(func(*dispatch.Context, []byte) {
		select {
		case b.started <- struct{}{}:
		default:
		}
		<-b.release
	}), nil
}

type harness struct {
	session     *Session
	initialized chan *Session
	disconnects atomic.Int32
	done        chan error
	client      transport.Conn
}

func startSession(t *testing.T, conf *Config) *harness {
	t.Helper()
	log.SetLevel(log.DebugLevel)

	serverConn, clientConn := quictest.Pair(t)

	h := &harness{
		initialized: make(chan *Session, 1),
		done:        make(chan error, 1),
		client:      clientConn,
	}

	conf.ServerInfo = protocol.DefaultServerInfo
	if conf.Resolver == nil {
		conf.Resolver = noHandlers{}
	}
	onInit := conf.OnInit
	conf.OnInit = func(s *Session) error {
		if onInit != nil {
			if err := onInit(s); err != nil {
				return err
			}
		}
		h.initialized <- s
		return nil
	}
	conf.OnDisconnect = func(*Session) {
		h.disconnects.Add(1)
	}

	h.session = New("conn-1", serverConn, conf)
	go func() { h.done <- h.session.Run(context.Background()) }()
	return h
}

func (h *harness) handshake(t *testing.T) *protocol.ClientProtocol {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp, err := protocol.ClientHandshake(ctx, h.client, "alice")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.initialized:
	case <-ctx.Done():
		t.Fatal("OnInit was not called")
	}
	return cp
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func closeCode(t *testing.T, conn transport.Conn) quic.ApplicationErrorCode {
	t.Helper()

	select {
	case <-conn.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}

	var appErr *quic.ApplicationError
	if !errors.As(context.Cause(conn.Context()), &appErr) {
		t.Fatalf("unexpected close reason %v", context.Cause(conn.Context()))
	}
	return appErr.ErrorCode
}

func TestSessionLifecycle(t *testing.T) {
	h := startSession(t, &Config{})
	cp := h.handshake(t)

	if h.session.UserID() != "alice" || h.session.State() != Active {
		t.Fatalf("unexpected session %v", h.session)
	}

	if err := h.session.Outbox().PushDiff([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := h.session.Outbox().PushDiff([]byte("second")); err != nil {
		t.Fatal(err)
	}
	h.session.Outbox().PushStat([]byte("stat"))

	for _, expected := range []string{"first", "second"} {
		if frame, err := cp.DiffStream.ReadFrame(); err != nil || string(frame) != expected {
			t.Fatalf("expected diff %q, got %q (%v)", expected, frame, err)
		}
	}
	if frame, err := cp.StatStream.ReadFrame(); err != nil || string(frame) != "stat" {
		t.Fatalf("expected stat, got %q (%v)", frame, err)
	}

	_ = h.client.CloseWithError(transport.NoError, "bye")

	if err := h.wait(t); !transport.IsClosed(err) {
		t.Fatalf("expected a regular close, got %v", err)
	}
	if h.session.State() != Terminated {
		t.Fatalf("expected terminated state, got %v", h.session.State())
	}
	if n := h.disconnects.Load(); n != 1 {
		t.Fatalf("OnDisconnect was called %d times", n)
	}
}

func TestSessionSuperseded(t *testing.T) {
	h := startSession(t, &Config{})
	h.handshake(t)

	h.session.Cancel(ErrSuperseded)

	if err := h.wait(t); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if n := h.disconnects.Load(); n != 1 {
		t.Fatalf("OnDisconnect was called %d times", n)
	}
	if code := closeCode(t, h.client); code != transport.Superseded {
		t.Fatalf("expected Superseded close code, got %d", code)
	}
}

func TestSessionBacklog(t *testing.T) {
	h := startSession(t, &Config{
		DiffQueue: 1,
		OnInit: func(s *Session) error {
			_ = s.Outbox().PushDiff([]byte{1})
			_ = s.Outbox().PushDiff([]byte{2})
			return nil
		},
	})
	h.handshake(t)

	if err := h.wait(t); !errors.Is(err, ErrBacklog) {
		t.Fatalf("expected ErrBacklog, got %v", err)
	}
	if code := closeCode(t, h.client); code != transport.BacklogExceeded {
		t.Fatalf("expected BacklogExceeded close code, got %d", code)
	}
}

func TestSessionInitFailure(t *testing.T) {
	h := startSession(t, &Config{
		OnInit: func(*Session) error { return errors.New("no instance") },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = protocol.ClientHandshake(ctx, h.client, "alice")

	if err := h.wait(t); err == nil {
		t.Fatal("expected an error")
	}
	if n := h.disconnects.Load(); n != 0 {
		t.Fatalf("OnDisconnect was called %d times", n)
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	h := startSession(t, &Config{HandshakeTimeout: 100 * time.Millisecond})

	var herr *protocol.HandshakeError
	if err := h.wait(t); !errors.As(err, &herr) {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
	if h.session.State() != Terminated {
		t.Fatalf("expected terminated state, got %v", h.session.State())
	}
	if code := closeCode(t, h.client); code != transport.PeerError {
		t.Fatalf("expected PeerError close code, got %d", code)
	}
}

func TestSessionSlowDatagramHandler(t *testing.T) {
	handlers := &blockingDatagrams{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(handlers.release)

	h := startSession(t, &Config{Resolver: handlers})
	cp := h.handshake(t)

	// datagrams may get lost, so retry until the handler runs
	timeout := time.After(5 * time.Second)
	for started := false; !started; {
		if err := dispatch.SendDatagram(h.client, 7, []byte("slow")); err != nil {
			t.Fatal(err)
		}
		select {
		case <-handlers.started:
			started = true
		case <-time.After(50 * time.Millisecond):
		case <-timeout:
			t.Fatal("datagram handler was not called")
		}
	}

	if err := h.session.Outbox().PushDiff([]byte("diff")); err != nil {
		t.Fatal(err)
	}

	frames := make(chan []byte, 1)
	go func() {
		if frame, err := cp.DiffStream.ReadFrame(); err == nil {
			frames <- frame
		}
	}()

	select {
	case frame := <-frames:
		if string(frame) != "diff" {
			t.Fatalf("unexpected diff %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("diff was blocked by a running datagram handler")
	}
}
