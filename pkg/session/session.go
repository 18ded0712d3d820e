// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session drives a single client connection on the server: the handshake, the player's registration and the
// multiplexed receive loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/transport"
)

var (
	// ErrSuperseded is the cancellation cause of a session replaced by a reconnection of the same user.
	ErrSuperseded = errors.New("session superseded by a reconnection")

	// ErrShutdown is the cancellation cause of sessions terminated by a server shutdown.
	ErrShutdown = errors.New("server shutdown")
)

// Config is shared by all sessions of a server.
type Config struct {
	// ServerInfo is queried for every handshake, since parts of it may change at runtime.
	ServerInfo       func() protocol.ServerInfo
	Components       []protocol.ExternalComponent
	HandshakeTimeout time.Duration

	DiffQueue int
	StatQueue int

	// Resolver finds the handlers for ad-hoc streams and datagrams.
	Resolver dispatch.Resolver

	// OnInit registers the player after a successful handshake. An error terminates the session without calling
	// OnDisconnect.
	OnInit func(s *Session) error

	// OnDisconnect is called exactly once for every session whose OnInit succeeded.
	OnDisconnect func(s *Session)
}

// Session is the server side of one connection.
type Session struct {
	id    string
	conn  transport.Conn
	conf  *Config
	state atomic.Int32

	cancel     context.CancelCauseFunc
	clientInfo protocol.ClientInfo
	proto      *protocol.ServerProtocol
	outbox     *Outbox
}

// New creates a Session for an accepted connection. The id must be unique for all connections of a server.
func New(id string, conn transport.Conn, conf *Config) *Session {
	return &Session{
		id:   id,
		conn: conn,
		conf: conf,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s, %s, %v)", s.id, s.clientInfo.UserID, s.State())
}

// ID is the connection id.
func (s *Session) ID() string {
	return s.id
}

// UserID as sent by the client; empty before the handshake finished.
func (s *Session) UserID() string {
	return s.clientInfo.UserID
}

// ClientInfo as resolved by the handshake.
func (s *Session) ClientInfo() protocol.ClientInfo {
	return s.clientInfo
}

func (s *Session) Conn() transport.Conn {
	return s.conn
}

// Outbox of this session; nil before the handshake finished.
func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// Cancel terminates the session cooperatively. Its OnDisconnect still runs.
func (s *Session) Cancel(cause error) {
	s.cancel(cause)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	log.WithFields(log.Fields{
		"session": s.id,
		"user":    s.clientInfo.UserID,
		"state":   state,
	}).Debug("Session changed state")

	s.state.Store(int32(state))
}

// Run the session until the connection terminates or ctx is canceled. The returned error describes why the session
// ended; transport.IsClosed distinguishes regular terminations.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancel = cancel

	s.setState(Handshaking)

	timeout := s.conf.HandshakeTimeout
	if timeout <= 0 {
		timeout = protocol.DefaultHandshakeTimeout
	}
	hsCtx, hsCancel := context.WithTimeout(ctx, timeout)
	proto, err := protocol.ServerHandshake(hsCtx, s.conn, s.conf.ServerInfo(), s.conf.Components)
	hsCancel()
	if err != nil {
		protocol.CloseOnError(s.conn, err)
		s.setState(Terminated)
		return err
	}

	s.proto = proto
	s.clientInfo = proto.ClientInfo
	s.outbox = NewOutbox(s.conf.DiffQueue, s.conf.StatQueue)

	if err := s.conf.OnInit(s); err != nil {
		_ = s.conn.CloseWithError(transport.LocalError, "registration failed")
		s.setState(Terminated)
		return fmt.Errorf("registering player %s: %w", s.clientInfo.UserID, err)
	}

	s.setState(Active)
	defer func() {
		s.setState(Terminated)
		s.conf.OnDisconnect(s)
	}()

	err = s.loop(ctx)
	s.close(err)
	return err
}

// close the connection with an error code matching the termination reason.
func (s *Session) close(err error) {
	switch {
	case errors.Is(err, ErrSuperseded):
		_ = s.conn.CloseWithError(transport.Superseded, "superseded by a reconnection")
	case errors.Is(err, ErrBacklog):
		_ = s.conn.CloseWithError(transport.BacklogExceeded, "diff backlog exceeded")
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		_ = s.conn.CloseWithError(transport.ApplicationShutdown, "server shutting down")
	case transport.IsClosed(err):
		// already closed
	default:
		_ = s.conn.CloseWithError(transport.ConnectionError, "connection error")
	}
}

// loop waits on all traffic classes at once. Readiness order between classes is unspecified; within a class, the
// order is preserved.
func (s *Session) loop(ctx context.Context) error {
	dispatcher := dispatch.NewDispatcher(ctx, s.clientInfo.UserID, s.conn, s.conf.Resolver)

	var (
		biStreams  = make(chan quic.Stream)
		uniStreams = make(chan quic.ReceiveStream)
		datagrams  = make(chan []byte)
		feedErrs   = make(chan error, 3)
	)

	datagramQueue := make(chan []byte, datagramQueueSize)
	go handleDatagrams(ctx, dispatcher, datagramQueue)

	go feed(ctx, s.conn.AcceptStream, biStreams, feedErrs)
	go feed(ctx, s.conn.AcceptUniStream, uniStreams, feedErrs)
	go feed(ctx, s.conn.ReceiveDatagram, datagrams, feedErrs)

	for {
		select {
		case data := <-s.outbox.Diffs():
			if err := send(s.proto.DiffStream, data); err != nil {
				return fmt.Errorf("sending diff: %w", err)
			}

		case data := <-s.outbox.Stats():
			if err := send(s.proto.StatStream, data); err != nil {
				return fmt.Errorf("sending stat: %w", err)
			}

		case data := <-datagrams:
			select {
			case datagramQueue <- data:
			default:
				log.WithFields(log.Fields{
					"session": s.id,
					"user":    s.clientInfo.UserID,
				}).Debug("Datagram queue is full, dropping datagram")
			}

		case stream := <-biStreams:
			go dispatcher.DispatchBi(stream)

		case stream := <-uniStreams:
			go dispatcher.DispatchUni(stream)

		case <-s.outbox.Overflow():
			return ErrBacklog

		case err := <-feedErrs:
			return err

		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// datagramQueueSize bounds the datagrams waiting for their handlers. Datagrams are unreliable, so a full queue drops.
const datagramQueueSize = 64

// handleDatagrams runs the datagram handlers of one connection in arrival order, outside the session loop.
func handleDatagrams(ctx context.Context, dispatcher *dispatch.Dispatcher, queue <-chan []byte) {
	for {
		select {
		case data := <-queue:
			dispatcher.DispatchDatagram(data)
		case <-ctx.Done():
			return
		}
	}
}

// writeTimeout bounds a single frame write. A client which stops reading ends its session instead of stalling it.
const writeTimeout = 10 * time.Second

func send(stream *protocol.OutgoingStream, data []byte) error {
	_ = stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	return stream.WriteFrame(data)
}

// feed passes everything accepted by next to out until an error occurs.
func feed[T any](ctx context.Context, next func(context.Context) (T, error), out chan<- T, errs chan<- error) {
	for {
		item, err := next(ctx)
		if err != nil {
			errs <- err
			return
		}

		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
	}
}
