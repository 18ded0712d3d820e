// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"errors"

	"github.com/quic-go/quic-go"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

var (
	// ErrVersionMismatch is the Cause of a HandshakeError if the server runs another Version.
	ErrVersionMismatch = errors.New("server version does not match client version")

	// ErrProtocolViolation is the Cause of a HandshakeError if the peer sends something out of order.
	ErrProtocolViolation = errors.New("protocol violation")
)

// HandshakeError is fatal to one connection. Code is used to close the connection.
type HandshakeError struct {
	Msg   string
	Code  quic.ApplicationErrorCode
	Cause error
}

func NewHandshakeError(message string, code quic.ApplicationErrorCode, cause error) *HandshakeError {
	return &HandshakeError{
		Msg:   message,
		Code:  code,
		Cause: cause,
	}
}

func (err *HandshakeError) Error() string {
	if err.Cause == nil {
		return err.Msg
	}
	return err.Msg + ": " + err.Cause.Error()
}

func (err *HandshakeError) Unwrap() error {
	return err.Cause
}

// CloseOnError closes a connection after a failed handshake. A HandshakeError's Code is used, everything else is
// reported as a LocalError.
func CloseOnError(conn transport.Conn, err error) {
	var herr *HandshakeError
	if errors.As(err, &herr) {
		_ = conn.CloseWithError(herr.Code, herr.Msg)
	} else {
		_ = conn.CloseWithError(transport.LocalError, "local error")
	}
}
