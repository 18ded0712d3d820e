// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

var (
	// ErrPlayerGone is returned by a Resolver if the player is no longer registered.
	ErrPlayerGone = errors.New("player is not registered")

	// ErrUnknownHandler is returned by a Resolver for handler ids without a registered handler.
	ErrUnknownHandler = errors.New("unknown handler id")
)

// headerTimeout limits the time to wait for an ad-hoc stream's handler id.
const headerTimeout = 5 * time.Second

// Resolver finds the handler for a player, i.e., in the Tables of the player's current instance.
type Resolver interface {
	WorldAccessor

	BiHandler(userID string, id uint32) (BiHandler, error)
	UniHandler(userID string, id uint32) (UniHandler, error)
	DatagramHandler(userID string, id uint32) (DatagramHandler, error)
}

// Dispatcher routes one connection's ad-hoc streams and datagrams to their handlers.
type Dispatcher struct {
	ctx      context.Context
	userID   string
	conn     transport.Conn
	resolver Resolver
}

// NewDispatcher for the connection of a player. The context is passed on to all handlers.
func NewDispatcher(ctx context.Context, userID string, conn transport.Conn, resolver Resolver) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		userID:   userID,
		conn:     conn,
		resolver: resolver,
	}
}

func (d *Dispatcher) handlerContext() *Context {
	return &Context{
		Context: d.ctx,
		UserID:  d.userID,
		Conn:    d.conn,
		Worlds:  d.resolver,
	}
}

func (d *Dispatcher) logDrop(channel string, id uint32, err error) {
	logger := log.WithFields(log.Fields{
		"user":    d.userID,
		"channel": channel,
		"handler": id,
	})

	if errors.Is(err, ErrPlayerGone) {
		logger.Debug("Dropping traffic of unregistered player")
	} else {
		logger.WithError(err).Warn("Dropping traffic for unknown handler")
	}
}

// DispatchBi reads the handler id of an ad-hoc bidirectional stream and runs its handler. It blocks until the
// handler returns.
func (d *Dispatcher) DispatchBi(stream quic.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(headerTimeout))
	id, err := ReadHeader(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		log.WithFields(log.Fields{
			"user":  d.userID,
			"error": err,
		}).Debug("Failed to read handler id of bi stream")
		stream.CancelRead(transport.StreamTransmissionError)
		stream.CancelWrite(transport.StreamTransmissionError)
		return
	}

	handler, err := d.resolver.BiHandler(d.userID, id)
	if err != nil {
		d.logDrop("bi", id, err)
		stream.CancelRead(transport.UnknownHandler)
		stream.CancelWrite(transport.UnknownHandler)
		return
	}

	handler.HandleBi(d.handlerContext(), stream)
}

// DispatchUni reads the handler id of an ad-hoc unidirectional stream and runs its handler. It blocks until the
// handler returns.
func (d *Dispatcher) DispatchUni(stream quic.ReceiveStream) {
	_ = stream.SetReadDeadline(time.Now().Add(headerTimeout))
	id, err := ReadHeader(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		log.WithFields(log.Fields{
			"user":  d.userID,
			"error": err,
		}).Debug("Failed to read handler id of uni stream")
		stream.CancelRead(transport.StreamTransmissionError)
		return
	}

	handler, err := d.resolver.UniHandler(d.userID, id)
	if err != nil {
		d.logDrop("uni", id, err)
		stream.CancelRead(transport.UnknownHandler)
		return
	}

	handler.HandleUni(d.handlerContext(), stream)
}

// DispatchDatagram splits a datagram and runs its handler.
func (d *Dispatcher) DispatchDatagram(data []byte) {
	id, payload, err := SplitDatagram(data)
	if err != nil {
		log.WithFields(log.Fields{
			"user":  d.userID,
			"error": err,
		}).Debug("Dropping malformed datagram")
		return
	}

	handler, err := d.resolver.DatagramHandler(d.userID, id)
	if err != nil {
		d.logDrop("datagram", id, err)
		return
	}

	handler.HandleDatagram(d.handlerContext(), payload)
}
