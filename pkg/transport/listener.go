// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// Listener accepts QUIC connections and hands each one to a handler.
type Listener struct {
	listenAddress string
	listener      *quic.Listener
}

// Listen on a UDP address like ":9000".
func Listen(listenAddress string, tlsConf *tls.Config) (*Listener, error) {
	log.WithField("address", listenAddress).Info("Starting QUIC listener")

	lst, err := quic.ListenAddr(listenAddress, tlsConf, QUICConfig())
	if err != nil {
		return nil, err
	}

	return &Listener{
		listenAddress: listenAddress,
		listener:      lst,
	}, nil
}

// ListenRange tries to listen on each port of [from, to) in ascending order and returns the first success.
func ListenRange(host string, from, to uint16, tlsConf *tls.Config) (*Listener, error) {
	for port := from; port < to; port++ {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		if listener, err := Listen(addr, tlsConf); err != nil {
			log.WithFields(log.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Failed to listen on port")
		} else {
			return listener, nil
		}
	}
	return nil, fmt.Errorf("no free port in range %d-%d", from, to)
}

// Addr is the bound UDP address.
func (listener *Listener) Addr() net.Addr {
	return listener.listener.Addr()
}

// Port is the bound UDP port.
func (listener *Listener) Port() int {
	if udpAddr, ok := listener.Addr().(*net.UDPAddr); ok {
		return udpAddr.Port
	}
	return 0
}

// Close stops accepting connections. Serve returns afterwards.
func (listener *Listener) Close() error {
	log.WithField("address", listener.listenAddress).Info("Closing QUIC listener")
	return listener.listener.Close()
}

// Serve accepts connections until the Listener is closed. Each connection is passed to handler, which must not block.
func (listener *Listener) Serve(handler func(Conn)) {
	log.WithField("address", listener.Addr()).Info("Listening for QUIC connections")

	for {
		conn, err := listener.listener.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				log.WithField("address", listener.listenAddress).Debug("QUIC listener was closed")
				return
			}

			log.WithFields(log.Fields{
				"address": listener.listenAddress,
				"error":   err,
			}).Error("Unknown error accepting QUIC connection")
			continue
		}

		log.WithFields(log.Fields{
			"address": listener.listenAddress,
			"peer":    conn.RemoteAddr(),
		}).Debug("QUIC listener accepted new connection")
		handler(conn)
	}
}

// Dial a QUIC connection to a listener.
func Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, address, DialerTLSConfig(), QUICConfig())
	if err != nil {
		return nil, err
	}
	return conn, nil
}
