// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"errors"
	"fmt"
)

// ErrDuplicateHandler is returned when a handler id is registered twice for the same channel.
var ErrDuplicateHandler = errors.New("handler id already registered")

// Tables maps handler ids to handlers, one table per channel.
//
// All handlers are registered while setting up an instance. Afterwards, Tables are only read and may be shared
// between all connections without locking.
type Tables struct {
	bi       map[uint32]BiHandler
	uni      map[uint32]UniHandler
	datagram map[uint32]DatagramHandler
}

// NewTables creates empty Tables.
func NewTables() *Tables {
	return &Tables{
		bi:       make(map[uint32]BiHandler),
		uni:      make(map[uint32]UniHandler),
		datagram: make(map[uint32]DatagramHandler),
	}
}

func (t *Tables) RegisterBi(id uint32, handler BiHandler) error {
	if _, exists := t.bi[id]; exists {
		return fmt.Errorf("bi stream handler %d: %w", id, ErrDuplicateHandler)
	}
	t.bi[id] = handler
	return nil
}

func (t *Tables) RegisterUni(id uint32, handler UniHandler) error {
	if _, exists := t.uni[id]; exists {
		return fmt.Errorf("uni stream handler %d: %w", id, ErrDuplicateHandler)
	}
	t.uni[id] = handler
	return nil
}

func (t *Tables) RegisterDatagram(id uint32, handler DatagramHandler) error {
	if _, exists := t.datagram[id]; exists {
		return fmt.Errorf("datagram handler %d: %w", id, ErrDuplicateHandler)
	}
	t.datagram[id] = handler
	return nil
}

func (t *Tables) Bi(id uint32) (BiHandler, bool) {
	h, ok := t.bi[id]
	return h, ok
}

func (t *Tables) Uni(id uint32) (UniHandler, bool) {
	h, ok := t.uni[id]
	return h, ok
}

func (t *Tables) Datagram(id uint32) (DatagramHandler, bool) {
	h, ok := t.datagram[id]
	return h, ok
}
