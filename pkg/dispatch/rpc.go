// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dtn7/cboring"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/transport"
)

// RPCBiStreamID is the handler id of the RPC bi stream handler.
const RPCBiStreamID uint32 = 1

// MaxRPCSize limits RPC requests and responses.
const MaxRPCSize = 100 << 20

var (
	// ErrUnknownMethod is reported to callers of an unregistered method.
	ErrUnknownMethod = errors.New("unknown rpc method")

	ErrRPCTooLarge = errors.New("rpc message exceeds maximum size")
)

// RPCError is an error returned by the remote method.
type RPCError string

func (err RPCError) Error() string {
	return string(err)
}

// rpcRequest is serialized as [method, payload].
type rpcRequest struct {
	Method  string
	Payload []byte
}

func (req *rpcRequest) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(req.Method, w); err != nil {
		return err
	}
	return cboring.WriteByteString(req.Payload, w)
}

func (req *rpcRequest) UnmarshalCbor(r io.Reader) (err error) {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}
	if req.Method, err = cboring.ReadTextString(r); err != nil {
		return
	}
	req.Payload, err = cboring.ReadByteString(r)
	return
}

// rpcResponse is serialized as [error, payload]; an empty error string reports success.
type rpcResponse struct {
	Error   string
	Payload []byte
}

func (resp *rpcResponse) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(resp.Error, w); err != nil {
		return err
	}
	return cboring.WriteByteString(resp.Payload, w)
}

func (resp *rpcResponse) UnmarshalCbor(r io.Reader) (err error) {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}
	if resp.Error, err = cboring.ReadTextString(r); err != nil {
		return
	}
	resp.Payload, err = cboring.ReadByteString(r)
	return
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxRPCSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxRPCSize {
		return nil, ErrRPCTooLarge
	}
	return data, nil
}

// RPCFunc implements a remote method.
type RPCFunc func(ctx *Context, request []byte) ([]byte, error)

// RPCRegistry is a BiHandler which calls named methods. Register it with RPCBiStreamID.
type RPCRegistry struct {
	mutex   sync.RWMutex
	methods map[string]RPCFunc
}

// NewRPCRegistry creates an empty RPCRegistry.
func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{methods: make(map[string]RPCFunc)}
}

// Register a method, replacing a previous one of the same name.
func (reg *RPCRegistry) Register(method string, fn RPCFunc) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	reg.methods[method] = fn
}

func (reg *RPCRegistry) lookup(method string) (RPCFunc, bool) {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()

	fn, ok := reg.methods[method]
	return fn, ok
}

// HandleBi reads a whole request, runs the method and writes the response.
func (reg *RPCRegistry) HandleBi(ctx *Context, stream quic.Stream) {
	logger := log.WithField("user", ctx.UserID)

	data, err := readLimited(stream)
	if err != nil {
		logger.WithError(err).Warn("Failed to read rpc request")
		stream.CancelRead(transport.StreamTransmissionError)
		stream.CancelWrite(transport.StreamTransmissionError)
		return
	}

	var req rpcRequest
	if err := cboring.Unmarshal(&req, bytes.NewReader(data)); err != nil {
		logger.WithError(err).Warn("Failed to parse rpc request")
		stream.CancelWrite(transport.DataMarshalError)
		return
	}

	logger = logger.WithField("method", req.Method)

	var resp rpcResponse
	if fn, ok := reg.lookup(req.Method); !ok {
		logger.Debug("Call of unknown rpc method")
		resp.Error = ErrUnknownMethod.Error()
	} else if payload, err := fn(ctx, req.Payload); err != nil {
		logger.WithError(err).Debug("rpc method failed")
		resp.Error = err.Error()
	} else {
		resp.Payload = payload
	}

	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&resp, buff); err != nil {
		logger.WithError(err).Error("Failed to marshal rpc response")
		stream.CancelWrite(transport.DataMarshalError)
		return
	}
	if _, err := buff.WriteTo(stream); err != nil {
		logger.WithError(err).Debug("Failed to send rpc response")
		stream.CancelWrite(transport.StreamTransmissionError)
		return
	}
	_ = stream.Close()
}

// CallRPC calls a method on the peer's RPCRegistry. An error of the remote method is returned as RPCError.
func CallRPC(ctx context.Context, conn transport.Conn, method string, payload []byte) ([]byte, error) {
	stream, err := OpenBi(ctx, conn, RPCBiStreamID)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	req := rpcRequest{Method: method, Payload: payload}
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&req, buff); err != nil {
		stream.CancelWrite(transport.DataMarshalError)
		stream.CancelRead(transport.DataMarshalError)
		return nil, err
	}
	if _, err := buff.WriteTo(stream); err != nil {
		stream.CancelRead(transport.StreamTransmissionError)
		return nil, err
	}
	// closing the send direction marks the end of the request
	if err := stream.Close(); err != nil {
		return nil, err
	}

	data, err := readLimited(stream)
	if err != nil {
		stream.CancelRead(transport.StreamTransmissionError)
		return nil, err
	}

	var resp rpcResponse
	if err := cboring.Unmarshal(&resp, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing rpc response: %w", err)
	}
	if resp.Error != "" {
		return nil, RPCError(resp.Error)
	}
	return resp.Payload, nil
}
