// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"net"

	"github.com/quic-go/quic-go"
)

// Conn is the part of a QUIC connection used by the handshake and by sessions. A quic.Connection satisfies it,
// relayed connections are plain quic.Connections as well.
type Conn interface {
	AcceptStream(context.Context) (quic.Stream, error)
	AcceptUniStream(context.Context) (quic.ReceiveStream, error)
	OpenStreamSync(context.Context) (quic.Stream, error)
	OpenUniStreamSync(context.Context) (quic.SendStream, error)

	SendDatagram(payload []byte) error
	ReceiveDatagram(context.Context) ([]byte, error)

	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
	RemoteAddr() net.Addr
}

// IsClosed checks if an error reports a regularly closed connection: a local or remote close without error code,
// an idle timeout, or a canceled context.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == NoError || appErr.ErrorCode == ApplicationShutdown || appErr.ErrorCode == Superseded
	}

	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return true
	}

	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}

// IsRemoteClose checks if the peer closed the connection with an application error.
func IsRemoteClose(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote
}
