// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package client connects to a server, performs the handshake and reads the diff and stat streams.
package client

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dtn7/cboring"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/protocol"
	"github.com/worldsync/worldsync-go/pkg/stats"
	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// Client is a connected and handshaked client. NextDiff and NextStat may be called from different goroutines, but
// each of them from only one at a time.
type Client struct {
	conn  transport.Conn
	proto *protocol.ClientProtocol
}

// Dial a server and perform the handshake.
func Dial(ctx context.Context, address, userID string) (*Client, error) {
	conn, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return New(ctx, conn, userID)
}

// New performs the handshake on an established connection. The connection is closed if the handshake fails.
func New(ctx context.Context, conn transport.Conn, userID string) (*Client, error) {
	proto, err := protocol.ClientHandshake(ctx, conn, userID)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  conn.RemoteAddr(),
			"error": err,
		}).Warn("Handshake failure")
		protocol.CloseOnError(conn, err)
		return nil, err
	}

	return &Client{
		conn:  conn,
		proto: proto,
	}, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("Client(%s, %v)", c.proto.ClientInfo.UserID, c.conn.RemoteAddr())
}

func (c *Client) ClientInfo() protocol.ClientInfo {
	return c.proto.ClientInfo
}

func (c *Client) ServerInfo() protocol.ServerInfo {
	return c.proto.ServerInfo
}

// Conn is the underlying connection.
func (c *Client) Conn() transport.Conn {
	return c.conn
}

// NextDiff blocks until the next diff arrives. The first diff after connecting is a full snapshot.
func (c *Client) NextDiff() (world.Diff, error) {
	data, err := c.proto.DiffStream.ReadFrame()
	if err != nil {
		return world.Diff{}, err
	}
	return world.ParseDiff(data)
}

// NextStat blocks until the next performance sample arrives.
func (c *Client) NextStat() (sample stats.Sample, err error) {
	data, err := c.proto.StatStream.ReadFrame()
	if err != nil {
		return
	}
	err = cboring.Unmarshal(&sample, bytes.NewReader(data))
	return
}

// OpenBi opens an ad-hoc bidirectional stream to a server's handler.
func (c *Client) OpenBi(ctx context.Context, handlerID uint32) (quic.Stream, error) {
	return dispatch.OpenBi(ctx, c.conn, handlerID)
}

// OpenUni opens an ad-hoc unidirectional stream to a server's handler.
func (c *Client) OpenUni(ctx context.Context, handlerID uint32) (quic.SendStream, error) {
	return dispatch.OpenUni(ctx, c.conn, handlerID)
}

// SendDatagram to a server's handler.
func (c *Client) SendDatagram(handlerID uint32, payload []byte) error {
	return dispatch.SendDatagram(c.conn, handlerID, payload)
}

// CallRPC calls a method of the server's RPC handler.
func (c *Client) CallRPC(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return dispatch.CallRPC(ctx, c.conn, method, payload)
}

// Close the connection without an error.
func (c *Client) Close() error {
	return c.conn.CloseWithError(transport.NoError, "client closed")
}
