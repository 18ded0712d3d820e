// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/internal/quictest"
	"github.com/worldsync/worldsync-go/pkg/transport"
)

func TestHandshake(t *testing.T) {
	log.SetLevel(log.DebugLevel)

	serverConn, clientConn := quictest.Pair(t)
	components := []ExternalComponent{{Name: "game::score", Type: "u32"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		sp  *ServerProtocol
		err error
	}
	serverResult := make(chan result, 1)
	go func() {
		sp, err := ServerHandshake(ctx, serverConn, DefaultServerInfo(), components)
		serverResult <- result{sp, err}
	}()

	cp, err := ClientHandshake(ctx, clientConn, "alice")
	if err != nil {
		t.Fatal(err)
	}

	sr := <-serverResult
	if sr.err != nil {
		t.Fatal(sr.err)
	}

	if cp.ClientInfo.UserID != "alice" || sr.sp.UserID() != "alice" {
		t.Fatalf("unexpected user ids: %q, %q", cp.ClientInfo.UserID, sr.sp.UserID())
	}
	if len(cp.ClientInfo.ExternalComponents) != 1 || cp.ClientInfo.ExternalComponents[0] != components[0] {
		t.Fatalf("unexpected external components: %v", cp.ClientInfo.ExternalComponents)
	}
	if cp.ServerInfo != DefaultServerInfo() {
		t.Fatalf("unexpected server info: %v", cp.ServerInfo)
	}

	// the diff stream is the first uni stream, the stat stream the second one
	if err := sr.sp.DiffStream.WriteFrame([]byte("diff")); err != nil {
		t.Fatal(err)
	}
	if err := sr.sp.StatStream.WriteFrame([]byte("stat")); err != nil {
		t.Fatal(err)
	}

	if frame, err := cp.DiffStream.ReadFrame(); err != nil || string(frame) != "diff" {
		t.Fatalf("diff stream: %q, %v", frame, err)
	}
	if frame, err := cp.StatStream.ReadFrame(); err != nil || string(frame) != "stat" {
		t.Fatalf("stat stream: %q, %v", frame, err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	log.SetLevel(log.DebugLevel)

	serverConn, clientConn := quictest.Pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info := DefaultServerInfo()
	info.Version = "0.0.1-other"

	go func() {
		_, _ = ServerHandshake(ctx, serverConn, info, nil)
	}()

	_, err := ClientHandshake(ctx, clientConn, "alice")
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	var herr *HandshakeError
	if !errors.As(err, &herr) || herr.Code != transport.VersionMismatch {
		t.Fatalf("expected HandshakeError with VersionMismatch code, got %v", err)
	}

	// no uni stream was consumed by the client
	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer acceptCancel()
	CloseOnError(clientConn, err)
	if _, err := clientConn.AcceptUniStream(acceptCtx); err == nil {
		t.Fatal("accepted a uni stream after a version mismatch")
	}

	select {
	case <-serverConn.Context().Done():
		var appErr *quic.ApplicationError
		if cause := context.Cause(serverConn.Context()); !errors.As(cause, &appErr) || appErr.ErrorCode != transport.VersionMismatch {
			t.Fatalf("server saw unexpected close reason: %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestHandshakeEmptyUserID(t *testing.T) {
	serverConn, clientConn := quictest.Pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := ClientHandshake(ctx, clientConn, ""); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}

	// a raw client sending an empty user id is rejected by the server
	go func() {
		stream, err := clientConn.OpenStreamSync(ctx)
		if err != nil {
			return
		}
		uid := userIDMessage("")
		_ = NewFrameWriter(stream).WriteMessage(&uid)
	}()

	_, err := ServerHandshake(ctx, serverConn, DefaultServerInfo(), nil)
	var herr *HandshakeError
	if !errors.As(err, &herr) || herr.Code != transport.PeerError {
		t.Fatalf("expected PeerError, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	serverConn, _ := quictest.Pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := ServerHandshake(ctx, serverConn, DefaultServerInfo(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a timeout, got %v", err)
	}
}
