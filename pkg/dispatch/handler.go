// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"context"

	"github.com/quic-go/quic-go"

	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// WorldAccessor runs a function against the world of a player's instance while holding the server's lock.
type WorldAccessor interface {
	WithPlayerWorld(userID string, fn func(w world.World, player world.EntityID) error) error
}

// Context is passed to every handler. It is canceled when the connection terminates.
type Context struct {
	context.Context

	// UserID of the connected player.
	UserID string

	// Conn is the connection the stream or datagram arrived on.
	Conn transport.Conn

	// Worlds gives access to the player's world. Handlers must not block inside of it.
	Worlds WorldAccessor
}

// BiHandler handles an ad-hoc bidirectional stream after its handler id was read.
type BiHandler interface {
	HandleBi(ctx *Context, stream quic.Stream)
}

// UniHandler handles an ad-hoc unidirectional stream after its handler id was read.
type UniHandler interface {
	HandleUni(ctx *Context, stream quic.ReceiveStream)
}

// DatagramHandler handles a datagram's payload.
type DatagramHandler interface {
	HandleDatagram(ctx *Context, payload []byte)
}

// BiHandlerFunc adapts a function to a BiHandler.
type BiHandlerFunc func(ctx *Context, stream quic.Stream)

func (f BiHandlerFunc) HandleBi(ctx *Context, stream quic.Stream) {
	f(ctx, stream)
}

// UniHandlerFunc adapts a function to an UniHandler.
type UniHandlerFunc func(ctx *Context, stream quic.ReceiveStream)

func (f UniHandlerFunc) HandleUni(ctx *Context, stream quic.ReceiveStream) {
	f(ctx, stream)
}

// DatagramHandlerFunc adapts a function to a DatagramHandler.
type DatagramHandlerFunc func(ctx *Context, payload []byte)

func (f DatagramHandlerFunc) HandleDatagram(ctx *Context, payload []byte) {
	f(ctx, payload)
}
