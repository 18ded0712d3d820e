// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"sync"
	"time"
)

// Defaults of the inactivity check.
const (
	DefaultInactivityInterval  = 5 * time.Second
	DefaultInactivityThreshold = 2 * time.Minute
)

// InactivityMonitor detects a server without players for a sustained period.
type InactivityMonitor struct {
	mutex      sync.Mutex
	threshold  time.Duration
	lastActive time.Time
}

// NewInactivityMonitor starts counting at now.
func NewInactivityMonitor(threshold time.Duration, now time.Time) *InactivityMonitor {
	return &InactivityMonitor{
		threshold:  threshold,
		lastActive: now,
	}
}

// Reset marks the server as active, e.g., when a player joins.
func (im *InactivityMonitor) Reset(now time.Time) {
	im.mutex.Lock()
	defer im.mutex.Unlock()

	if now.After(im.lastActive) {
		im.lastActive = now
	}
}

// Observe the current number of players and report if the server was empty for at least the threshold.
func (im *InactivityMonitor) Observe(players int, now time.Time) bool {
	im.mutex.Lock()
	defer im.mutex.Unlock()

	if players > 0 {
		if now.After(im.lastActive) {
			im.lastActive = now
		}
		return false
	}
	return now.Sub(im.lastActive) >= im.threshold
}

// LastActive is the last time the server had players.
func (im *InactivityMonitor) LastActive() time.Time {
	im.mutex.Lock()
	defer im.mutex.Unlock()

	return im.lastActive
}
