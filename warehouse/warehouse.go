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

// Package warehouse implements the allocator for the
// append-only output files shared by all pipeline stages.
//
// A warehouse is the logical pair of a JSON-lines payload
// file and a metadata sidecar addressing article segments
// by byte range. Many short-lived producer tasks borrow a
// warehouse for the duration of one article; the allocator
// serializes borrowing so each payload has at most one
// writer at a time, and seals a warehouse once its payload
// crosses the size cap so whole files can be handed to the
// compressor.
package warehouse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/slices"
)

const (
	// Prefix starts every warehouse base name; the rest is
	// a 5-digit zero-padded index.
	Prefix = "warehouse_"
	// PayloadExt is the payload extension before compression.
	PayloadExt = ".jsonl"
	// MetadataExt is the sidecar extension. The sidecar is
	// never compressed.
	MetadataExt = ".metadata"
	// CompressedExt is appended to the payload name once
	// the payload has been compressed in place.
	CompressedExt = ".zst"
)

// DefaultMaxSize is the payload size at which a warehouse
// seals when the caller does not choose a cap.
//
// Rationale: zstd ratios on revision histories flatten out
// well below this point, so larger files only slow down
// the downstream compress tasks without making the output
// set smaller.
const DefaultMaxSize = 8 << 30

var (
	// ErrUnknown is returned for a base name the allocator
	// has never created.
	ErrUnknown = errors.New("unknown warehouse")
	// ErrNotOccupied is returned when releasing a warehouse
	// that has no current writer (a double release).
	ErrNotOccupied = errors.New("warehouse not occupied")
)

// Filenames returns the payload and metadata file names
// for a warehouse base name.
func Filenames(base string) (payload, metadata string) {
	return base + PayloadExt, base + MetadataExt
}

// Metadata is one sidecar line: the byte-range address of
// one article's records within the payload. Offsets are
// half-open ranges into the uncompressed payload.
type Metadata struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	SourceRevision string   `json:"source_revision,omitempty"`
	Categories     []string `json:"categories"`
	ByteStart      int64    `json:"byte_start"`
	ByteEnd        int64    `json:"byte_end"`
}

// Dir is the allocator for one output directory. The zero
// value plus OutputDir is usable; methods are safe for
// concurrent use. The mutex covers bookkeeping and file
// creation only, never append I/O; writers do their own
// appends while holding the assignment.
type Dir struct {
	// OutputDir receives the warehouse files.
	OutputDir string
	// MaxSize is the payload size in bytes at which a
	// warehouse seals. Zero means DefaultMaxSize.
	MaxSize int64
	// Compress, when set, makes Release return the payload
	// path of a newly sealed warehouse so the caller can
	// schedule its compression.
	Compress bool
	// StartIndex seeds the monotonic index of the first
	// warehouse created, letting successive runs over dump
	// shards produce non-colliding names.
	StartIndex int
	// Logf, if non-nil, receives allocator events. It must
	// be safe to call from multiple goroutines.
	Logf func(f string, args ...interface{})

	mu        sync.Mutex
	started   bool
	next      int
	available map[string]struct{}
	occupied  map[string]struct{}
}

func (d *Dir) logf(f string, args ...interface{}) {
	if d.Logf != nil {
		d.Logf(f, args...)
	}
}

func (d *Dir) maxSize() int64 {
	if d.MaxSize > 0 {
		return d.MaxSize
	}
	return DefaultMaxSize
}

// init and create run with d.mu held.
func (d *Dir) init() {
	if d.started {
		return
	}
	d.started = true
	d.next = d.StartIndex
	d.available = make(map[string]struct{})
	d.occupied = make(map[string]struct{})
}

func (d *Dir) create() (string, error) {
	base := fmt.Sprintf("%s%05d", Prefix, d.next)
	payload, metadata := Filenames(base)
	for _, name := range []string{payload, metadata} {
		f, err := os.Create(filepath.Join(d.OutputDir, name))
		if err != nil {
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
	}
	d.next++
	d.available[base] = struct{}{}
	d.logf("new warehouse %s", base)
	return base, nil
}

// free returns the bases that are available and not
// occupied, sorted ascending (with d.mu held).
func (d *Dir) free() []string {
	out := make([]string, 0, len(d.available))
	for base := range d.available {
		if _, busy := d.occupied[base]; !busy {
			out = append(out, base)
		}
	}
	slices.Sort(out)
	return out
}

// Assign borrows a warehouse for exclusive appending and
// returns its base name. The lowest-index free warehouse
// is preferred; when none is free a new one is created
// with both files truncated to zero bytes.
func (d *Dir) Assign() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	free := d.free()
	if len(free) == 0 {
		base, err := d.create()
		if err != nil {
			return "", err
		}
		free = []string{base}
	}
	base := free[0]
	d.occupied[base] = struct{}{}
	return base, nil
}

// PayloadPath returns the path of the (uncompressed)
// payload file for base.
func (d *Dir) PayloadPath(base string) string {
	payload, _ := Filenames(base)
	return filepath.Join(d.OutputDir, payload)
}

// MetadataPath returns the path of the sidecar for base.
func (d *Dir) MetadataPath(base string) string {
	_, metadata := Filenames(base)
	return filepath.Join(d.OutputDir, metadata)
}

// Release returns a previously assigned warehouse to the
// free set. If the payload has reached the size cap the
// warehouse seals: it leaves the free set for good, and
// when compression is enabled the payload path is returned
// so the caller can schedule a compress task. Releasing a
// warehouse that is not currently assigned is an error and
// leaves the allocator untouched.
func (d *Dir) Release(base string) (sealed string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	if _, busy := d.occupied[base]; !busy {
		if _, known := d.available[base]; !known {
			return "", fmt.Errorf("%w: %s", ErrUnknown, base)
		}
		return "", fmt.Errorf("%w: %s", ErrNotOccupied, base)
	}
	delete(d.occupied, base)
	if d.size(base) >= d.maxSize() {
		delete(d.available, base)
		d.logf("warehouse %s sealed", base)
		if d.Compress {
			return d.PayloadPath(base), nil
		}
	}
	return "", nil
}

// Finalize force-seals base regardless of its payload
// size. It is used at end-of-run to flush the warehouses
// that never crossed the cap.
func (d *Dir) Finalize(base string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	if _, known := d.available[base]; !known {
		return fmt.Errorf("%w: %s", ErrUnknown, base)
	}
	delete(d.available, base)
	return nil
}

// Open returns the bases that are still available (not yet
// sealed), sorted ascending. With all writers released,
// these are exactly the warehouses Finalize should flush.
func (d *Dir) Open() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	out := make([]string, 0, len(d.available))
	for base := range d.available {
		out = append(out, base)
	}
	slices.Sort(out)
	return out
}

func (d *Dir) size(base string) int64 {
	info, err := os.Stat(d.PayloadPath(base))
	if err != nil {
		return 0
	}
	return info.Size()
}
