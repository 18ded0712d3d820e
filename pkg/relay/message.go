// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/dtn7/cboring"
)

// message is exchanged over the relay's control channel.
type message interface {
	// typeCode identifies the message type on the wire.
	typeCode() uint64

	// CborMarshaler is only implemented for the message's body. The type code is handled by marshalMessage and
	// unmarshalMessage.
	cboring.CborMarshaler
}

const (
	statusCode          uint64 = 0
	registerCode        uint64 = 1
	allocatedCode       uint64 = 2
	playerConnectedCode uint64 = 3
	preCacheCode        uint64 = 4
)

var messageMapping = map[uint64]reflect.Type{
	statusCode:          reflect.TypeOf(statusMessage{}),
	registerCode:        reflect.TypeOf(registerMessage{}),
	allocatedCode:       reflect.TypeOf(allocatedMessage{}),
	playerConnectedCode: reflect.TypeOf(playerConnectedMessage{}),
	preCacheCode:        reflect.TypeOf(preCacheMessage{}),
}

// marshalMessage writes a message as [type code, body].
func marshalMessage(msg message, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(msg.typeCode(), w); err != nil {
		return err
	}
	return cboring.Marshal(msg, w)
}

// unmarshalMessage reads a message based on its type code.
func unmarshalMessage(r io.Reader) (msg message, err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		err = arrErr
		return
	} else if n != 2 {
		err = fmt.Errorf("expected array of two elements, got %d", n)
		return
	}

	if code, typeErr := cboring.ReadUInt(r); typeErr != nil {
		err = typeErr
		return
	} else if t, ok := messageMapping[code]; !ok {
		err = fmt.Errorf("no known relay message type code %d", code)
		return
	} else {
		msg = reflect.New(t).Interface().(message)
	}

	err = cboring.Unmarshal(msg, r)
	return
}

func writeStrings(w io.Writer, fields ...string) error {
	if err := cboring.WriteArrayLength(uint64(len(fields)), w); err != nil {
		return err
	}
	for _, field := range fields {
		if err := cboring.WriteTextString(field, w); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader, fields ...*string) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != uint64(len(fields)) {
		return fmt.Errorf("expected array of %d elements, got %d", len(fields), n)
	}
	for _, field := range fields {
		s, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		*field = s
	}
	return nil
}

// statusMessage reports an error; an empty errorMsg is an acknowledgement.
type statusMessage struct {
	errorMsg string
}

func newStatusMessage(err error) *statusMessage {
	if err == nil {
		return &statusMessage{}
	}
	return &statusMessage{errorMsg: err.Error()}
}

func (*statusMessage) typeCode() uint64 { return statusCode }

func (msg *statusMessage) err() error {
	if msg.errorMsg == "" {
		return nil
	}
	return errors.New(msg.errorMsg)
}

func (msg *statusMessage) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(msg.errorMsg, w)
}

func (msg *statusMessage) UnmarshalCbor(r io.Reader) (err error) {
	msg.errorMsg, err = cboring.ReadTextString(r)
	return
}

// registerMessage asks the relay to allocate an endpoint for this server.
type registerMessage struct {
	projectID  string
	userAgent  string
	assetsRoot string
}

func (*registerMessage) typeCode() uint64 { return registerCode }

func (msg *registerMessage) MarshalCbor(w io.Writer) error {
	return writeStrings(w, msg.projectID, msg.userAgent, msg.assetsRoot)
}

func (msg *registerMessage) UnmarshalCbor(r io.Reader) error {
	return readStrings(r, &msg.projectID, &msg.userAgent, &msg.assetsRoot)
}

// allocatedMessage carries the endpoint allocated by the relay.
type allocatedMessage struct {
	endpoint AllocatedEndpoint
}

func (*allocatedMessage) typeCode() uint64 { return allocatedCode }

func (msg *allocatedMessage) MarshalCbor(w io.Writer) error {
	ep := msg.endpoint
	return writeStrings(w, ep.ID, ep.AllocatedEndpoint, ep.ExternalEndpoint, ep.AssetsRoot)
}

func (msg *allocatedMessage) UnmarshalCbor(r io.Reader) error {
	ep := &msg.endpoint
	return readStrings(r, &ep.ID, &ep.AllocatedEndpoint, &ep.ExternalEndpoint, &ep.AssetsRoot)
}

// playerConnectedMessage announces a player connected to the relay. The server dials address and claims the
// connection by sending the token.
type playerConnectedMessage struct {
	playerID string
	address  string
	token    []byte
}

func (*playerConnectedMessage) typeCode() uint64 { return playerConnectedCode }

func (msg *playerConnectedMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(msg.playerID, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(msg.address, w); err != nil {
		return err
	}
	return cboring.WriteByteString(msg.token, w)
}

func (msg *playerConnectedMessage) UnmarshalCbor(r io.Reader) (err error) {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 3 {
		return fmt.Errorf("expected array of 3 elements, got %d", n)
	}
	if msg.playerID, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if msg.address, err = cboring.ReadTextString(r); err != nil {
		return
	}
	msg.token, err = cboring.ReadByteString(r)
	return
}

// preCacheMessage asks the relay to fetch a subdirectory of the assets in advance.
type preCacheMessage struct {
	subdir string
}

func (*preCacheMessage) typeCode() uint64 { return preCacheCode }

func (msg *preCacheMessage) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(msg.subdir, w)
}

func (msg *preCacheMessage) UnmarshalCbor(r io.Reader) (err error) {
	msg.subdir, err = cboring.ReadTextString(r)
	return
}
