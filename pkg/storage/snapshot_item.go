// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/howeyc/crc16"
	"github.com/ulikunitz/xz"

	"github.com/worldsync/worldsync-go/pkg/world"
)

// ErrChecksum is returned for a snapshot file whose content does not match the stored checksum.
var ErrChecksum = errors.New("snapshot checksum mismatch")

var crc16table = crc16.MakeTable(crc16.CCITT)

// SnapshotItem is the meta data of a stored world snapshot. The snapshot itself lives in an xz compressed file.
type SnapshotItem struct {
	Instance string `badgerhold:"key"`

	Saved time.Time `badgerholdIndex:"Saved"`

	// Entities within the snapshot.
	Entities int

	// Size of the uncompressed CBOR diff.
	Size int

	// Checksum is a CRC-16 CCITT over the uncompressed CBOR diff.
	Checksum uint16

	Filename string
}

func (si SnapshotItem) String() string {
	return fmt.Sprintf("SnapshotItem(%s, %d entities, %v)", si.Instance, si.Entities, si.Saved.Format(time.RFC3339))
}

// snapshotPath returns a file path for an instance's snapshot.
func snapshotPath(instance, storagePath string) string {
	f := fmt.Sprintf("%x", sha256.Sum256([]byte(instance)))
	return path.Join(storagePath, f)
}

// newSnapshotItem serializes a diff and creates the SnapshotItem together with the compressed file content.
func newSnapshotItem(instance string, d world.Diff, storagePath string) (si SnapshotItem, compressed []byte, err error) {
	data, err := d.Bytes()
	if err != nil {
		return
	}

	var buf bytes.Buffer
	if xzW, xzErr := xz.NewWriter(&buf); xzErr != nil {
		err = xzErr
		return
	} else if _, err = xzW.Write(data); err != nil {
		return
	} else if err = xzW.Close(); err != nil {
		return
	}

	si = SnapshotItem{
		Instance: instance,
		Saved:    time.Now(),
		Entities: len(d.Changes),
		Size:     len(data),
		Checksum: crc16.Checksum(data, crc16table),
		Filename: snapshotPath(instance, storagePath),
	}
	compressed = buf.Bytes()
	return
}

// storeFile writes the compressed snapshot next to a temporary file and renames it afterwards.
func (si SnapshotItem) storeFile(compressed []byte) error {
	tmp := si.Filename + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, si.Filename)
}

func (si SnapshotItem) deleteFile() error {
	return os.Remove(si.Filename)
}

// Load the snapshot's diff from the disk and verify its checksum.
func (si SnapshotItem) Load() (d world.Diff, err error) {
	f, err := os.Open(si.Filename)
	if err != nil {
		return
	}
	defer f.Close()

	xzR, err := xz.NewReader(f)
	if err != nil {
		return
	}

	data, err := io.ReadAll(xzR)
	if err != nil {
		return
	}

	if len(data) != si.Size || crc16.Checksum(data, crc16table) != si.Checksum {
		err = fmt.Errorf("%v: %w", si, ErrChecksum)
		return
	}

	return world.ParseDiff(data)
}
