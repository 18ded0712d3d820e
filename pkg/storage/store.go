// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists world snapshots between server runs.
package storage

import (
	"errors"
	"os"
	"path"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/worldsync/worldsync-go/pkg/world"
)

const (
	dirBadger   string = "db"
	dirSnapshot string = "snap"
)

// Store implements a storage for world snapshots, one per instance, together with meta data.
type Store struct {
	bh *badgerhold.Store

	badgerDir   string
	snapshotDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	snapshotDir := path.Join(dir, dirSnapshot)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}
	if dirErr := os.MkdirAll(snapshotDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir:   badgerDir,
			snapshotDir: snapshotDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Save a world's persistent state as the instance's snapshot, replacing an older one.
func (s *Store) Save(instance string, w world.World) (SnapshotItem, error) {
	return s.SaveDiff(instance, w.InitialDiff(world.PersistenceFilter()))
}

// SaveDiff stores an already computed snapshot diff.
func (s *Store) SaveDiff(instance string, d world.Diff) (si SnapshotItem, err error) {
	si, compressed, err := newSnapshotItem(instance, d, s.snapshotDir)
	if err != nil {
		return
	}
	if err = si.storeFile(compressed); err != nil {
		return
	}

	log.WithFields(log.Fields{
		"instance": instance,
		"entities": si.Entities,
		"size":     si.Size,
	}).Info("Store saves snapshot")

	err = s.bh.Upsert(si.Instance, si)
	return
}

// Query fetches the SnapshotItem for an instance.
func (s *Store) Query(instance string) (si SnapshotItem, err error) {
	err = s.bh.Get(instance, &si)
	return
}

// QueryAll fetches all SnapshotItems, ordered by their instance.
func (s *Store) QueryAll() (sis []SnapshotItem, err error) {
	if err = s.bh.Find(&sis, nil); err == nil {
		sort.Slice(sis, func(i, j int) bool { return sis[i].Instance < sis[j].Instance })
	}
	return
}

// Knows checks if a snapshot exists for an instance.
func (s *Store) Knows(instance string) bool {
	_, err := s.Query(instance)
	return !errors.Is(err, badgerhold.ErrNotFound)
}

// Restore applies an instance's snapshot to an empty Memory world. A missing snapshot is not an error and reported
// by the boolean.
func (s *Store) Restore(instance string, m *world.Memory) (bool, error) {
	si, err := s.Query(instance)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	d, err := si.Load()
	if err != nil {
		return false, err
	}
	if err := m.Apply(d); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{
		"instance": instance,
		"entities": si.Entities,
		"saved":    si.Saved,
	}).Info("Restored snapshot")
	return true, nil
}

// Delete an instance's snapshot.
func (s *Store) Delete(instance string) error {
	si, err := s.Query(instance)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	log.WithField("instance", instance).Info("Store deletes snapshot")

	if err := si.deleteFile(); err != nil {
		log.WithFields(log.Fields{
			"instance": instance,
			"file":     si.Filename,
			"error":    err,
		}).Warn("Failed to delete snapshot file")
	}
	return s.bh.Delete(instance, SnapshotItem{})
}
