// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/dtn7/cboring"
)

// ChangeKind describes what happened to an entity.
type ChangeKind uint64

const (
	_ ChangeKind = iota

	// Spawned entities carry all their visible components.
	Spawned

	// Updated entities carry their added or changed components.
	Updated

	// Removed lists components which were removed from an entity.
	Removed

	// Despawned entities are gone.
	Despawned
)

func (kind ChangeKind) String() string {
	switch kind {
	case Spawned:
		return "spawned"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Despawned:
		return "despawned"
	default:
		return "unknown"
	}
}

// Change of one entity within a Diff.
type Change struct {
	Kind   ChangeKind
	Entity EntityID

	// Components for Spawned and Updated.
	Components Entity

	// Names of the removed components for Removed.
	Names []string
}

func (c Change) String() string {
	switch c.Kind {
	case Removed:
		return fmt.Sprintf("%v %v %v", c.Kind, c.Entity, c.Names)
	case Despawned:
		return fmt.Sprintf("%v %v", c.Kind, c.Entity)
	default:
		names := make([]string, 0, len(c.Components))
		for name := range c.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("%v %v %v", c.Kind, c.Entity, names)
	}
}

// Diff is an ordered list of changes to the observable state of a world.
type Diff struct {
	Changes []Change
}

// IsEmpty checks if this Diff carries no changes at all.
func (d Diff) IsEmpty() bool {
	return len(d.Changes) == 0
}

func (d Diff) String() string {
	return fmt.Sprintf("Diff(%d changes)", len(d.Changes))
}

// Bytes serializes this Diff into its CBOR representation.
func (d *Diff) Bytes() ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(d, buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// ParseDiff reads a Diff from its CBOR representation.
func ParseDiff(data []byte) (d Diff, err error) {
	err = cboring.Unmarshal(&d, bytes.NewReader(data))
	return
}

// MarshalCbor writes the CBOR representation of a Diff.
func (d *Diff) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(uint64(len(d.Changes)), w); err != nil {
		return err
	}

	for i := range d.Changes {
		if err := cboring.Marshal(&d.Changes[i], w); err != nil {
			return fmt.Errorf("marshalling change %d failed: %w", i, err)
		}
	}
	return nil
}

// UnmarshalCbor reads the CBOR representation of a Diff.
func (d *Diff) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	d.Changes = make([]Change, n)
	for i := range d.Changes {
		if err := cboring.Unmarshal(&d.Changes[i], r); err != nil {
			return fmt.Errorf("unmarshalling change %d failed: %w", i, err)
		}
	}
	return nil
}

// MarshalCbor writes the CBOR representation of a Change as [kind, entity, {components}, [names]].
func (c *Change) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(c.Kind), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(c.Entity), w); err != nil {
		return err
	}

	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := cboring.WriteMapPairLength(uint64(len(names)), w); err != nil {
		return err
	}
	for _, name := range names {
		if err := cboring.WriteTextString(name, w); err != nil {
			return err
		}
		if err := cboring.WriteByteString(c.Components[name], w); err != nil {
			return err
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(c.Names)), w); err != nil {
		return err
	}
	for _, name := range c.Names {
		if err := cboring.WriteTextString(name, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads the CBOR representation of a Change.
func (c *Change) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if kind := ChangeKind(n); kind < Spawned || kind > Despawned {
		return fmt.Errorf("unknown change kind %d", n)
	} else {
		c.Kind = kind
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		c.Entity = EntityID(n)
	}

	pairs, err := cboring.ReadMapPairLength(r)
	if err != nil {
		return err
	}
	if pairs > 0 {
		c.Components = make(Entity, pairs)
	}
	for i := uint64(0); i < pairs; i++ {
		name, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		value, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		c.Components[name] = value
	}

	names, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < names; i++ {
		name, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		c.Names = append(c.Names, name)
	}

	return nil
}
