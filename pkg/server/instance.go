// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/session"
	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// MainInstance is the id of the instance every server starts with.
const MainInstance = "main"

// System is one step of an instance's update logic. It runs under the registry's lock and must not block.
type System func(w world.World, elapsed time.Duration)

// link connects a player's entity to its live connection. Local players have no link.
type link struct {
	userID string
	outbox *session.Outbox
	conn   transport.Conn
}

// Instance is one independently simulated and synchronized world.
//
// An Instance is owned by a Registry after AddInstance; all fields must be set before.
type Instance struct {
	ID    string
	World world.World

	// Filter decides which changes are sent to clients.
	Filter world.Filter

	// Systems run in order on every tick, after the world was stepped.
	Systems []System

	// ShutdownSystems run once when the instance is removed or the server shuts down.
	ShutdownSystems []System

	// Handlers for ad-hoc streams and datagrams of this instance's players.
	Handlers *dispatch.Tables

	marker world.Marker
	links  map[world.EntityID]*link
}

// NewInstance with an empty handler table and a filter synchronizing everything except NoSync entities.
func NewInstance(id string, w world.World) *Instance {
	return &Instance{
		ID:       id,
		World:    w,
		Filter:   world.NewFilter(nil),
		Handlers: dispatch.NewTables(),
	}
}

func (inst *Instance) String() string {
	return fmt.Sprintf("Instance(%s)", inst.ID)
}

// attach prepares a new Instance for its Registry. Changes made so far belong to the initial state.
func (inst *Instance) attach() {
	inst.links = make(map[world.EntityID]*link)
	_, inst.marker = inst.World.ComputeDiff(inst.marker, inst.Filter)
}

func (inst *Instance) step(elapsed time.Duration) {
	inst.World.Step(elapsed)
	for _, system := range inst.Systems {
		system(inst.World, elapsed)
	}
}

func (inst *Instance) shutdown() {
	for _, system := range inst.ShutdownSystems {
		system(inst.World, 0)
	}
}

// sortedLinks returns the links ordered by entity for a deterministic fan-out.
func (inst *Instance) sortedLinks() []*link {
	ids := make([]world.EntityID, 0, len(inst.links))
	for id := range inst.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	links := make([]*link, len(ids))
	for i, id := range ids {
		links[i] = inst.links[id]
	}
	return links
}

// broadcastDiffs computes the diff since the last broadcast and pushes it to every linked player. An empty diff is
// not sent at all. The diff is serialized once; all outboxes share the same bytes.
func (inst *Instance) broadcastDiffs() {
	diff, marker := inst.World.ComputeDiff(inst.marker, inst.Filter)
	inst.marker = marker

	if diff.IsEmpty() {
		return
	}

	data, err := diff.Bytes()
	if err != nil {
		log.WithFields(log.Fields{
			"instance": inst.ID,
			"error":    err,
		}).Error("Failed to serialize diff")
		return
	}

	for _, l := range inst.sortedLinks() {
		if err := l.outbox.PushDiff(data); err != nil {
			log.WithFields(log.Fields{
				"instance": inst.ID,
				"user":     l.userID,
				"error":    err,
			}).Warn("Failed to enqueue diff")
		}
	}
}

// pushInitialDiff sends a full snapshot to a single player.
func (inst *Instance) pushInitialDiff(l *link) error {
	diff := inst.World.InitialDiff(inst.Filter)
	data, err := diff.Bytes()
	if err != nil {
		return fmt.Errorf("serializing initial diff: %w", err)
	}
	return l.outbox.PushDiff(data)
}

func (inst *Instance) pushStat(data []byte) {
	for _, l := range inst.sortedLinks() {
		if !l.outbox.PushStat(data) {
			log.WithFields(log.Fields{
				"instance": inst.ID,
				"user":     l.userID,
			}).Debug("Dropped stat sample")
		}
	}
}
