// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quictest creates QUIC connections over localhost for tests.
package quictest

import (
	"context"
	"testing"
	"time"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

// Listener starts a transport.Listener on a random localhost port, closed on cleanup.
func Listener(t testing.TB) *transport.Listener {
	t.Helper()

	tlsConf, err := transport.GenerateListenerTLSConfig()
	if err != nil {
		t.Fatal(err)
	}

	listener, err := transport.Listen("localhost:0", tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return listener
}

// Dial a listener and close the connection on cleanup.
func Dial(t testing.TB, addr string) transport.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.CloseWithError(transport.NoError, "") })
	return conn
}

// Pair creates one QUIC connection over localhost and returns both ends.
func Pair(t testing.TB) (server, client transport.Conn) {
	t.Helper()

	listener := Listener(t)

	accepted := make(chan transport.Conn, 1)
	go listener.Serve(func(conn transport.Conn) { accepted <- conn })

	client = Dial(t, listener.Addr().String())

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not accept")
	}
	return
}
