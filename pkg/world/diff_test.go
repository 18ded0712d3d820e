// SPDX-FileCopyrightText: 2023 The worldsync authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"bytes"
	"testing"
)

func TestDiffBytesDeterministic(t *testing.T) {
	d := Diff{Changes: []Change{
		{Kind: Spawned, Entity: 1, Components: Entity{"b": {2}, "a": {1}, "c": {3}}},
	}}

	first, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if again, err := d.Bytes(); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(first, again) {
			t.Fatal("serialization is not deterministic")
		}
	}
}

func TestParseDiffInvalidKind(t *testing.T) {
	d := Diff{Changes: []Change{{Kind: Despawned, Entity: 1}}}
	data, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	// [[4, 1, {}, []]] -> kind is the third byte
	data[2] = 0x09
	if _, err := ParseDiff(data); err == nil {
		t.Fatal("expected error for unknown change kind")
	}
}
