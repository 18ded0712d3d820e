// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"errors"
	"sync"
)

// Default queue sizes of an Outbox.
const (
	DefaultDiffQueue = 1024
	DefaultStatQueue = 64
)

// ErrBacklog is returned when a client does not keep up with its diffs.
var ErrBacklog = errors.New("outgoing diff backlog exceeded")

// Outbox holds a player's outgoing diffs and stats until its session writes them.
//
// Pushing never blocks. A full diff queue marks the Outbox as overflowed, which terminates the session: skipping a
// diff would leave the client in an inconsistent state. A full stat queue drops the sample.
type Outbox struct {
	diffs chan []byte
	stats chan []byte

	overflow     chan struct{}
	overflowOnce sync.Once
}

// NewOutbox with the given queue sizes. Non-positive sizes fall back to the defaults.
func NewOutbox(diffQueue, statQueue int) *Outbox {
	if diffQueue <= 0 {
		diffQueue = DefaultDiffQueue
	}
	if statQueue <= 0 {
		statQueue = DefaultStatQueue
	}

	return &Outbox{
		diffs:    make(chan []byte, diffQueue),
		stats:    make(chan []byte, statQueue),
		overflow: make(chan struct{}),
	}
}

// PushDiff enqueues a serialized diff. The data must not be modified afterwards.
func (o *Outbox) PushDiff(data []byte) error {
	select {
	case <-o.overflow:
		return ErrBacklog
	default:
	}

	select {
	case o.diffs <- data:
		return nil
	default:
		o.overflowOnce.Do(func() { close(o.overflow) })
		return ErrBacklog
	}
}

// PushStat enqueues a serialized sample and reports if it was accepted.
func (o *Outbox) PushStat(data []byte) bool {
	select {
	case o.stats <- data:
		return true
	default:
		return false
	}
}

// Diffs yields queued diffs in FIFO order.
func (o *Outbox) Diffs() <-chan []byte {
	return o.diffs
}

// Stats yields queued samples in FIFO order.
func (o *Outbox) Stats() <-chan []byte {
	return o.stats
}

// Overflow is closed once the diff queue overflowed.
func (o *Outbox) Overflow() <-chan struct{} {
	return o.overflow
}

// PendingDiffs is the number of queued diffs.
func (o *Outbox) PendingDiffs() int {
	return len(o.diffs)
}
