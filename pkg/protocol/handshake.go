// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

// DefaultHandshakeTimeout is the time a client has to complete the handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// ServerProtocol is the server's result of a successful handshake.
type ServerProtocol struct {
	ClientInfo ClientInfo

	DiffStream *OutgoingStream
	StatStream *OutgoingStream
}

// UserID of the connected client.
func (sp *ServerProtocol) UserID() string {
	return sp.ClientInfo.UserID
}

// ClientProtocol is the client's result of a successful handshake.
type ClientProtocol struct {
	ClientInfo ClientInfo
	ServerInfo ServerInfo

	DiffStream *IncomingStream
	StatStream *IncomingStream
}

func connError(msg string, err error) *HandshakeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewHandshakeError(msg, transport.PeerError, err)
	case errors.Is(err, io.EOF):
		return NewHandshakeError(msg, transport.PeerError, fmt.Errorf("%w: unexpected end of stream", ErrProtocolViolation))
	default:
		return NewHandshakeError(msg, transport.ConnectionError, err)
	}
}

// ServerHandshake performs the server's part of the handshake on a freshly accepted connection. The context should
// carry a deadline; otherwise DefaultHandshakeTimeout applies.
//
// The client's user id is answered with a ClientInfo and the ServerInfo. Afterwards, the diff stream and the stat
// stream are opened in this order, each starting with an empty sentinel frame.
func ServerHandshake(ctx context.Context, conn transport.Conn, info ServerInfo, components []ExternalComponent) (*ServerProtocol, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}

	logger := log.WithField("peer", conn.RemoteAddr())
	logger.Debug("Performing server handshake")

	// wait for the client to open the handshake stream
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, connError("client did not open a handshake stream", err)
	}
	defer func() { _ = stream.Close() }()

	// the stream's deadline unblocks reads if the context expires
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
		defer func() { _ = stream.SetDeadline(time.Time{}) }()
	}

	reader := NewFrameReader(stream)
	writer := NewFrameWriter(stream)

	var uid userIDMessage
	if err := reader.ReadMessage(&uid); err != nil {
		return nil, connError("error reading user id", err)
	} else if uid == "" {
		return nil, NewHandshakeError("empty user id", transport.PeerError, ErrProtocolViolation)
	}

	logger = logger.WithField("user", string(uid))
	logger.Debug("Received user id")

	sp := &ServerProtocol{
		ClientInfo: ClientInfo{
			UserID:             string(uid),
			ExternalComponents: components,
		},
	}
	if sp.ClientInfo.ExternalComponents == nil {
		sp.ClientInfo.ExternalComponents = []ExternalComponent{}
	}

	if err := writer.WriteMessage(&sp.ClientInfo); err != nil {
		return nil, connError("error sending client info", err)
	}
	if err := writer.WriteMessage(&info); err != nil {
		return nil, connError("error sending server info", err)
	}

	if sp.DiffStream, err = openSentinelStream(ctx, conn); err != nil {
		return nil, err
	}
	if sp.StatStream, err = openSentinelStream(ctx, conn); err != nil {
		sp.DiffStream.Cancel()
		return nil, err
	}

	logger.Debug("Server handshake finished")
	return sp, nil
}

func openSentinelStream(ctx context.Context, conn transport.Conn) (*OutgoingStream, error) {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, connError("error opening uni stream", err)
	}

	out := newOutgoingStream(stream)
	if err := out.WriteFrame(nil); err != nil {
		out.Cancel()
		return nil, connError("error sending sentinel", err)
	}
	return out, nil
}

// ClientHandshake performs the client's part of the handshake. If the server's version differs from Version, the
// returned HandshakeError wraps ErrVersionMismatch and no further stream is accepted.
func ClientHandshake(ctx context.Context, conn transport.Conn, userID string) (*ClientProtocol, error) {
	if userID == "" {
		return nil, NewHandshakeError("empty user id", transport.LocalError, ErrProtocolViolation)
	}

	logger := log.WithFields(log.Fields{
		"peer": conn.RemoteAddr(),
		"user": userID,
	})
	logger.Debug("Performing client handshake")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, connError("error opening handshake stream", err)
	}
	defer func() { _ = stream.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
		defer func() { _ = stream.SetDeadline(time.Time{}) }()
	}

	reader := NewFrameReader(stream)
	writer := NewFrameWriter(stream)

	uid := userIDMessage(userID)
	if err := writer.WriteMessage(&uid); err != nil {
		return nil, connError("error sending user id", err)
	}

	cp := &ClientProtocol{}
	if err := reader.ReadMessage(&cp.ClientInfo); err != nil {
		return nil, connError("error reading client info", err)
	}
	if err := reader.ReadMessage(&cp.ServerInfo); err != nil {
		return nil, connError("error reading server info", err)
	}

	if cp.ServerInfo.Version != Version {
		logger.WithFields(log.Fields{
			"client version": Version,
			"server version": cp.ServerInfo.Version,
		}).Warn("Server runs another version")
		return nil, NewHandshakeError(
			fmt.Sprintf("server version %q differs from %q", cp.ServerInfo.Version, Version),
			transport.VersionMismatch, ErrVersionMismatch)
	}

	if cp.DiffStream, err = acceptSentinelStream(ctx, conn); err != nil {
		return nil, err
	}
	if cp.StatStream, err = acceptSentinelStream(ctx, conn); err != nil {
		cp.DiffStream.Cancel()
		return nil, err
	}

	logger.WithField("server", cp.ServerInfo).Debug("Client handshake finished")
	return cp, nil
}

func acceptSentinelStream(ctx context.Context, conn transport.Conn) (*IncomingStream, error) {
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, connError("error accepting uni stream", err)
	}

	in := newIncomingStream(stream)
	if sentinel, err := in.ReadFrame(); err != nil {
		in.Cancel()
		return nil, connError("error reading sentinel", err)
	} else if len(sentinel) != 0 {
		in.Cancel()
		return nil, NewHandshakeError("first frame is not a sentinel", transport.PeerError, ErrProtocolViolation)
	}
	return in, nil
}
