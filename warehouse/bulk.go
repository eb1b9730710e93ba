// Copyright (C) 2023 Warkive, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package warehouse

import "os"

// BulkAssign packs a list of staged files onto warehouses
// by size: each free warehouse keeps a remaining capacity
// (cap minus current payload size), and each input goes to
// the free warehouse with the largest remaining capacity
// that still admits it whole. When no warehouse admits the
// file a new one is created. Inputs routed to the same
// warehouse keep their iteration order, so appending them
// in order preserves the caller's record order.
//
// All warehouses appearing in the result are marked
// occupied before BulkAssign returns; the caller must
// Release each one after appending.
//
// A file larger than the cap gets a fresh warehouse to
// itself: no existing warehouse can admit it, and the cap
// is enforced at seal time rather than rejected here. A
// file of exactly the cap size fits only an empty
// warehouse.
func (d *Dir) BulkAssign(files []string) (map[string][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()

	remaining := make(map[string]int64)
	for _, base := range d.free() {
		remaining[base] = d.maxSize() - d.size(base)
	}
	assignments := make(map[string][]string)

	for _, file := range files {
		size := fileSize(file)
		base, ok := d.admit(remaining, size)
		if !ok {
			created, err := d.create()
			if err != nil {
				return nil, err
			}
			remaining[created] = d.maxSize()
			base = created
		}
		assignments[base] = append(assignments[base], file)
		remaining[base] -= size
	}

	for base := range assignments {
		d.occupied[base] = struct{}{}
	}
	return assignments, nil
}

// admit picks the candidate with the largest remaining
// capacity that still fits size whole (with d.mu held).
// Ties break toward the smaller index so results do not
// depend on map order.
func (d *Dir) admit(remaining map[string]int64, size int64) (string, bool) {
	var (
		best    string
		bestRem int64 = -1
	)
	for base, rem := range remaining {
		if rem < size {
			continue
		}
		if rem > bestRem || (rem == bestRem && base < best) {
			best, bestRem = base, rem
		}
	}
	if bestRem < 0 {
		return "", false
	}
	// a zero-capacity candidate only admits empty files;
	// treat it as full so a new warehouse gets created
	if bestRem == 0 && size == 0 {
		return best, true
	}
	if bestRem == 0 {
		return "", false
	}
	return best, true
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
