// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldsync/worldsync-go/pkg/dispatch"
	"github.com/worldsync/worldsync-go/pkg/session"
	"github.com/worldsync/worldsync-go/pkg/stats"
	"github.com/worldsync/worldsync-go/pkg/transport"
	"github.com/worldsync/worldsync-go/pkg/world"
)

// LocalConnectionID is the connection id of players joined by JoinLocal.
const LocalConnectionID = "local"

var (
	// ErrUnknownInstance is returned for requests naming an instance which does not exist.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrMissingInstance reports a player referencing a removed instance. This is a programming error.
	ErrMissingInstance = errors.New("player references a missing instance")

	// ErrInstanceInUse is returned when removing an instance which still has players.
	ErrInstanceInUse = errors.New("instance still has players")
)

// fatalf terminates the process; replaced in tests.
var (
	logFatalf = log.Fatalf
	fatalf    = logFatalf
)

// Player is a registered user. Its fields are only modified under the Registry's lock; Players returns copies.
type Player struct {
	UserID       string
	InstanceID   string
	ConnectionID string
	Entity       world.EntityID
	Joined       time.Time

	cancel func(cause error)
}

// Local players have no network connection.
func (p Player) Local() bool {
	return p.ConnectionID == LocalConnectionID
}

// JoinRequest registers a connection for a user.
type JoinRequest struct {
	UserID       string
	ConnectionID string

	// InstanceID for new players; MainInstance if empty. Reconnecting players stay in their instance.
	InstanceID string

	Outbox *session.Outbox
	Conn   transport.Conn

	// Cancel terminates the connection's session; called with session.ErrSuperseded on reconnection.
	Cancel func(cause error)
}

// Registry holds all instances and players of a server.
//
// One mutex guards both maps, since the invariants span both: each Player references a live Instance, and the
// ConnectionID recorded for a user is replaced atomically on reconnection. Critical sections never wait for network
// I/O; diffs and stats are only pushed into outboxes. A panic while holding the lock terminates the process, because
// the invariants might be broken.
type Registry struct {
	mutex     sync.Mutex
	instances map[string]*Instance
	players   map[string]*Player
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		players:   make(map[string]*Player),
	}
}

func (r *Registry) locked(fn func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	defer func() {
		if p := recover(); p != nil {
			fatalf("Panic while holding the registry lock: %v", p)
		}
	}()

	fn()
}

// instanceOf resolves a player's instance; a miss is logged as an invariant violation. Must be called locked.
func (r *Registry) instanceOf(player *Player) (*Instance, error) {
	inst, ok := r.instances[player.InstanceID]
	if !ok {
		log.WithFields(log.Fields{
			"user":     player.UserID,
			"instance": player.InstanceID,
		}).Error("Player references a missing instance")
		return nil, fmt.Errorf("%w: %s", ErrMissingInstance, player.InstanceID)
	}
	return inst, nil
}

// AddInstance registers a new instance.
func (r *Registry) AddInstance(inst *Instance) (err error) {
	r.locked(func() {
		if _, exists := r.instances[inst.ID]; exists {
			err = fmt.Errorf("instance %s already exists", inst.ID)
			return
		}

		inst.attach()
		r.instances[inst.ID] = inst
	})

	if err == nil {
		log.WithField("instance", inst.ID).Info("Added instance")
	}
	return
}

// RemoveInstance runs the instance's shutdown logic and removes it. Instances with players are not removed.
func (r *Registry) RemoveInstance(id string) (err error) {
	r.locked(func() {
		inst, ok := r.instances[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInstance, id)
			return
		}

		for _, player := range r.players {
			if player.InstanceID == id {
				err = fmt.Errorf("%w: %s", ErrInstanceInUse, id)
				return
			}
		}

		inst.shutdown()
		delete(r.instances, id)
	})

	if err == nil {
		log.WithField("instance", id).Info("Removed instance")
	}
	return
}

// Instances lists the ids of all instances.
func (r *Registry) Instances() (ids []string) {
	r.locked(func() {
		for id := range r.instances {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return
}

// Join registers a connection. For a known user, this is a reconnection: the previous session is canceled, the
// Player is rebound to the new connection and no second entity is spawned. In both cases, pending diffs are flushed
// to the other players before a full snapshot is pushed into the new outbox.
func (r *Registry) Join(req JoinRequest) (reconnected bool, err error) {
	if req.InstanceID == "" {
		req.InstanceID = MainInstance
	}

	r.locked(func() {
		if player, ok := r.players[req.UserID]; ok {
			reconnected = true
			err = r.rejoin(player, req)
		} else {
			err = r.join(req)
		}
	})

	logger := log.WithFields(log.Fields{
		"user":       req.UserID,
		"connection": req.ConnectionID,
	})
	if err != nil {
		logger.WithError(err).Warn("Player failed to join")
	} else if reconnected {
		logger.Info("Player reconnected")
	} else {
		logger.WithField("instance", req.InstanceID).Info("Player joined")
	}
	return
}

func (r *Registry) join(req JoinRequest) error {
	inst, ok := r.instances[req.InstanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, req.InstanceID)
	}

	player := &Player{
		UserID:       req.UserID,
		InstanceID:   inst.ID,
		ConnectionID: req.ConnectionID,
		Entity:       inst.World.Spawn(world.NewPlayerEntity(req.UserID)),
		Joined:       time.Now(),
		cancel:       req.Cancel,
	}
	r.players[req.UserID] = player

	if req.Outbox == nil {
		return nil
	}

	// everyone else learns about the new entity, the new player gets everything at once
	inst.broadcastDiffs()
	return r.attachOutbox(inst, player, req)
}

// rejoin swaps the connection of an existing Player in one step.
func (r *Registry) rejoin(player *Player, req JoinRequest) error {
	inst, err := r.instanceOf(player)
	if err != nil {
		return err
	}

	if player.cancel != nil {
		player.cancel(session.ErrSuperseded)
	}
	delete(inst.links, player.Entity)

	// the world's logic might have removed the entity in the meantime
	entity, ok := inst.World.PlayerByUserID(player.UserID)
	if !ok {
		entity = inst.World.Spawn(world.NewPlayerEntity(player.UserID))
	}

	player.ConnectionID = req.ConnectionID
	player.Entity = entity
	player.cancel = req.Cancel

	if req.Outbox == nil {
		return nil
	}

	inst.broadcastDiffs()
	return r.attachOutbox(inst, player, req)
}

// attachOutbox links the new outbox to the player's entity. Without its initial snapshot the session cannot start, so a
// failed push removes the player again. A superseded session was already canceled and finds nothing to leave.
func (r *Registry) attachOutbox(inst *Instance, player *Player, req JoinRequest) error {
	l := &link{userID: req.UserID, outbox: req.Outbox, conn: req.Conn}
	inst.links[player.Entity] = l

	if err := inst.pushInitialDiff(l); err != nil {
		r.remove(inst, player)
		return err
	}
	return nil
}

// remove deletes a player and despawns its entity.
func (r *Registry) remove(inst *Instance, player *Player) {
	delete(r.players, player.UserID)
	delete(inst.links, player.Entity)
	inst.World.Despawn(player.Entity)
}

// JoinLocal registers a player without a network connection in an instance.
func (r *Registry) JoinLocal(userID, instanceID string) error {
	_, err := r.Join(JoinRequest{
		UserID:       userID,
		ConnectionID: LocalConnectionID,
		InstanceID:   instanceID,
	})
	return err
}

// Leave removes a player and despawns its entity, but only if connectionID is still the player's current
// connection. Otherwise, the terminating connection was superseded and Leave is a no-op.
func (r *Registry) Leave(userID, connectionID string) (removed bool) {
	r.locked(func() {
		player, ok := r.players[userID]
		if !ok || player.ConnectionID != connectionID {
			return
		}

		removed = true

		inst, err := r.instanceOf(player)
		if err != nil {
			delete(r.players, userID)
			return
		}
		r.remove(inst, player)
	})

	logger := log.WithFields(log.Fields{
		"user":       userID,
		"connection": connectionID,
	})
	if removed {
		logger.Info("Player left")
	} else {
		logger.Debug("Ignoring disconnect of a superseded connection")
	}
	return
}

// PlayerCount is the number of players across all instances.
func (r *Registry) PlayerCount() (n int) {
	r.locked(func() {
		n = len(r.players)
	})
	return
}

// Player returns a copy of a registered player.
func (r *Registry) Player(userID string) (player Player, ok bool) {
	r.locked(func() {
		var p *Player
		if p, ok = r.players[userID]; ok {
			player = *p
		}
	})
	return
}

// Players returns copies of all players, ordered by user id.
func (r *Registry) Players() (players []Player) {
	r.locked(func() {
		for _, p := range r.players {
			players = append(players, *p)
		}
	})
	sort.Slice(players, func(i, j int) bool { return players[i].UserID < players[j].UserID })
	return
}

func (r *Registry) sortedInstances() []*Instance {
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	instances := make([]*Instance, len(ids))
	for i, id := range ids {
		instances[i] = r.instances[id]
	}
	return instances
}

// Tick steps every instance by elapsed and broadcasts its diff. The FpsCounter measures the ticks; its samples go
// to every connected player.
func (r *Registry) Tick(elapsed time.Duration, fps *stats.FpsCounter) {
	r.locked(func() {
		fps.FrameStart()

		instances := r.sortedInstances()
		for _, inst := range instances {
			inst.step(elapsed)
			inst.broadcastDiffs()
		}

		sample, ok := fps.FrameEnd()
		if !ok {
			return
		}
		data, err := sample.Bytes()
		if err != nil {
			log.WithError(err).Error("Failed to serialize stat sample")
			return
		}
		for _, inst := range instances {
			inst.pushStat(data)
		}
	})
}

// BroadcastDiffs sends an instance's pending diff out of band, without stepping it.
func (r *Registry) BroadcastDiffs(instanceID string) (err error) {
	r.locked(func() {
		inst, ok := r.instances[instanceID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
			return
		}
		inst.broadcastDiffs()
	})
	return
}

// WithInstance runs fn on an instance's world under the lock.
func (r *Registry) WithInstance(instanceID string, fn func(w world.World) error) (err error) {
	r.locked(func() {
		inst, ok := r.instances[instanceID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
			return
		}
		err = fn(inst.World)
	})
	return
}

// WithPlayerWorld runs fn on the world of a player's instance under the lock.
func (r *Registry) WithPlayerWorld(userID string, fn func(w world.World, player world.EntityID) error) (err error) {
	r.locked(func() {
		player, ok := r.players[userID]
		if !ok {
			err = dispatch.ErrPlayerGone
			return
		}

		inst, ierr := r.instanceOf(player)
		if ierr != nil {
			err = ierr
			return
		}
		err = fn(inst.World, player.Entity)
	})
	return
}

// tables resolves the handler tables of a player's instance.
func (r *Registry) tables(userID string) (tables *dispatch.Tables, err error) {
	r.locked(func() {
		player, ok := r.players[userID]
		if !ok {
			err = dispatch.ErrPlayerGone
			return
		}

		inst, ierr := r.instanceOf(player)
		if ierr != nil {
			err = ierr
			return
		}
		tables = inst.Handlers
	})
	return
}

func (r *Registry) BiHandler(userID string, id uint32) (dispatch.BiHandler, error) {
	tables, err := r.tables(userID)
	if err != nil {
		return nil, err
	}
	if handler, ok := tables.Bi(id); ok {
		return handler, nil
	}
	return nil, dispatch.ErrUnknownHandler
}

func (r *Registry) UniHandler(userID string, id uint32) (dispatch.UniHandler, error) {
	tables, err := r.tables(userID)
	if err != nil {
		return nil, err
	}
	if handler, ok := tables.Uni(id); ok {
		return handler, nil
	}
	return nil, dispatch.ErrUnknownHandler
}

func (r *Registry) DatagramHandler(userID string, id uint32) (dispatch.DatagramHandler, error) {
	tables, err := r.tables(userID)
	if err != nil {
		return nil, err
	}
	if handler, ok := tables.Datagram(id); ok {
		return handler, nil
	}
	return nil, dispatch.ErrUnknownHandler
}

// Snapshot creates a full diff of an instance as seen through the filter.
func (r *Registry) Snapshot(instanceID string, filter world.Filter) (diff world.Diff, err error) {
	r.locked(func() {
		inst, ok := r.instances[instanceID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
			return
		}
		diff = inst.World.InitialDiff(filter)
	})
	return
}

// Shutdown runs the shutdown logic of every instance and terminates all sessions. Instances stay registered, e.g.,
// for storing snapshots afterwards.
func (r *Registry) Shutdown() {
	r.locked(func() {
		for _, inst := range r.sortedInstances() {
			inst.shutdown()
		}

		for _, player := range r.players {
			if player.cancel != nil {
				player.cancel(session.ErrShutdown)
			}
		}
	})

	log.Info("Registry was shut down")
}
