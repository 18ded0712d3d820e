// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package client

import (
	"sync"

	"github.com/worldsync/worldsync-go/pkg/world"
)

// Mirror reconstructs the server's visible world from diffs.
type Mirror struct {
	mutex sync.Mutex
	world *world.Memory
	diffs uint64
}

// NewMirror creates an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{world: world.NewMemory("mirror")}
}

// Apply a received diff.
func (m *Mirror) Apply(d world.Diff) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.diffs++
	return m.world.Apply(d)
}

// Run applies the client's diffs until reading or applying fails.
func (m *Mirror) Run(c *Client) error {
	for {
		d, err := c.NextDiff()
		if err != nil {
			return err
		}
		if err := m.Apply(d); err != nil {
			return err
		}
	}
}

// View runs fn with the mirrored world. The world must not be retained.
func (m *Mirror) View(fn func(w *world.Memory)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	fn(m.world)
}

// Diffs is the number of applied diffs.
func (m *Mirror) Diffs() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.diffs
}
