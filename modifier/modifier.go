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

// Package modifier streams previously built warehouses
// through user-supplied record transforms and re-emits
// them as new warehouses under the same on-disk contract.
//
// Transforms run per record inside one article segment.
// Each profile sees the record and the segment metadata as
// left by the previous profile, and can rewrite either,
// drop the record, or drop the whole segment. Byte offsets
// in the emitted metadata always describe the new payload.
package modifier

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/warkive/warkive/compr"
	"github.com/warkive/warkive/fsutil"
	"github.com/warkive/warkive/pool"
	"github.com/warkive/warkive/warehouse"
)

const (
	stageModify  = "modify"
	stageCleanup = "cleanup"
)

// ErrNoInput is returned by Start when nothing has been
// preloaded.
var ErrNoInput = errors.New("no input files preloaded")

// Profile is one user transform in the modifier chain.
//
// Apply receives the decoded record and the metadata of
// the segment it belongs to (as left by earlier profiles),
// and returns the replacements. Returning a nil record
// drops the record and breaks the chain for it; returning
// nil metadata drops the entire segment: nothing already
// produced for the segment survives and no metadata line
// is emitted.
type Profile interface {
	Apply(record map[string]interface{}, meta *warehouse.Metadata) (map[string]interface{}, *warehouse.Metadata)
}

// ProfileFunc adapts a plain function to the Profile
// interface.
type ProfileFunc func(record map[string]interface{}, meta *warehouse.Metadata) (map[string]interface{}, *warehouse.Metadata)

// Apply calls f.
func (f ProfileFunc) Apply(record map[string]interface{}, meta *warehouse.Metadata) (map[string]interface{}, *warehouse.Metadata) {
	return f(record, meta)
}

// Modifier re-packs warehouse pairs through a profile
// chain. Configure the fields, Preload the existing
// warehouse directory, AddProfile in order, then Start.
type Modifier struct {
	// OutputDir receives the new warehouses. An existing
	// directory is removed first.
	OutputDir string
	// Workers is the worker pool size. Values below 1 mean 1.
	Workers int
	// MaxSize is the new warehouses' payload cap in bytes.
	// Zero means warehouse.DefaultMaxSize.
	MaxSize int64
	// Compress replaces each sealed payload with a
	// zstd-compressed copy.
	Compress bool
	// Logf, if non-nil, receives pipeline actions. It must
	// be safe to call from multiple goroutines.
	Logf func(f string, args ...interface{})

	files    []string
	profiles []Profile
}

func (m *Modifier) logf(f string, args ...interface{}) {
	if m.Logf != nil {
		m.Logf(f, args...)
	}
}

func (m *Modifier) fsError(path string, err error) {
	m.logf("cleanup %s: %s", path, err)
}

// Preload records the files under path for the next Start.
// Payloads pair up with their metadata sidecars when Start
// runs.
func (m *Modifier) Preload(path string) error {
	if path == "" {
		return errors.New("empty preload path")
	}
	files, err := fsutil.ListFiles(path)
	if err != nil {
		return err
	}
	m.files = append(m.files, files...)
	return nil
}

// AddProfile appends a transform to the chain. Profiles
// run in registration order.
func (m *Modifier) AddProfile(p Profile) {
	m.profiles = append(m.profiles, p)
}

// pair is one modify task: a compressed payload and its
// metadata sidecar.
type pair struct {
	payload  string
	metadata string
}

// pairs matches each preloaded *.jsonl.zst with its
// *.metadata sibling; payloads without a sidecar are
// logged and skipped.
func (m *Modifier) pairs() []pair {
	known := make(map[string]struct{}, len(m.files))
	for _, f := range m.files {
		known[f] = struct{}{}
	}
	var out []pair
	for _, f := range m.files {
		if !strings.HasSuffix(f, warehouse.PayloadExt+warehouse.CompressedExt) {
			continue
		}
		base := strings.TrimSuffix(f, warehouse.PayloadExt+warehouse.CompressedExt)
		meta := base + warehouse.MetadataExt
		if _, ok := known[meta]; !ok {
			m.logf("no metadata sidecar for %s; skipping", f)
			continue
		}
		out = append(out, pair{payload: f, metadata: meta})
	}
	return out
}

// Start runs the modification pipeline over the preloaded
// warehouse pairs. Only a missing input or a failure to
// prepare the output directory is returned as an error;
// per-pair failures are logged and the rest of the run
// continues.
func (m *Modifier) Start() error {
	if len(m.files) == 0 {
		return ErrNoInput
	}
	inputs := m.pairs()
	if err := fsutil.PrepareOutputDir(m.OutputDir); err != nil {
		return err
	}
	tempRoot := filepath.Join(m.OutputDir, "temp")
	if err := os.MkdirAll(tempRoot, 0750); err != nil {
		return err
	}
	wh := &warehouse.Dir{
		OutputDir: m.OutputDir,
		MaxSize:   m.MaxSize,
		Compress:  m.Compress,
		Logf:      m.Logf,
	}

	c := pool.New(m.Workers)
	c.Logf = m.Logf

	total := len(inputs)
	done := 0

	c.Handle(stageModify, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			return m.modify(tempRoot, args.(pair), wh)
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			done++
			sealed := result.([]string)
			m.logf("modified %d/%d; %d warehouse(s) sealed", done, total, len(sealed))
			for _, payload := range sealed {
				c.Push(stageCleanup, payload)
			}
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			done++
			m.logf("modify %s: %s (%d/%d)", args.(pair).payload, err, done, total)
		},
	})

	c.Handle(stageCleanup, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			payload := args.(string)
			if err := compr.CompressZstd(payload, payload+warehouse.CompressedExt); err != nil {
				return nil, err
			}
			return payload, os.Remove(payload)
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			m.logf("warehouse packed: %s", result.(string)+warehouse.CompressedExt)
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			m.logf("compress %s: %s", args.(string), err)
		},
	})

	for _, in := range inputs {
		c.Submit(stageModify, in)
	}
	c.Drain()

	for _, base := range wh.Open() {
		if err := wh.Finalize(base); err != nil {
			m.logf("finalize %s: %s", base, err)
			continue
		}
		payload := wh.PayloadPath(base)
		if info, err := os.Stat(payload); err == nil && info.Size() == 0 {
			os.Remove(payload)
			os.Remove(wh.MetadataPath(base))
			continue
		}
		if m.Compress {
			c.Submit(stageCleanup, payload)
		}
	}
	c.Drain()
	c.Close()

	fsutil.CleanupDir(tempRoot, m.fsError)
	m.logf("modification complete: %d pair(s)", total)
	return nil
}

// modify streams one warehouse pair through the chain and
// returns the payload paths of the warehouses that sealed.
func (m *Modifier) modify(tempRoot string, in pair, wh *warehouse.Dir) ([]string, error) {
	tempDir := filepath.Join(tempRoot, uuid.NewString())
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, err
	}
	defer fsutil.CleanupDir(tempDir, m.fsError)

	decompressed := filepath.Join(tempDir,
		strings.TrimSuffix(filepath.Base(in.payload), warehouse.CompressedExt))
	if err := compr.DecompressZstd(in.payload, decompressed); err != nil {
		return nil, err
	}
	offsets, err := fsutil.LineOffsets(in.metadata)
	if err != nil {
		return nil, err
	}
	old, err := os.Open(decompressed)
	if err != nil {
		return nil, err
	}
	defer old.Close()

	var sealed []string
	for _, off := range offsets {
		line, err := fsutil.ReadLineAt(in.metadata, off)
		if err != nil {
			return sealed, err
		}
		meta := new(warehouse.Metadata)
		if err := json.Unmarshal([]byte(line), meta); err != nil {
			m.logf("bad metadata line in %s: %s", in.metadata, err)
			continue
		}
		s, err := m.modifySegment(old, meta, wh)
		sealed = append(sealed, s...)
		if err != nil {
			// a structural failure costs this segment only
			m.logf("segment %s of %s abandoned: %s", meta.ID, in.payload, err)
		}
	}
	return sealed, nil
}

// modifySegment re-emits one segment. Record-level
// failures (a panicking profile, an undecodable record
// line) drop that record and continue; if the chain drops
// the segment, everything already appended for it is
// truncated away and no metadata line is written.
func (m *Modifier) modifySegment(old *os.File, meta *warehouse.Metadata, wh *warehouse.Dir) ([]string, error) {
	base, err := wh.Assign()
	if err != nil {
		return nil, err
	}
	out, err := os.OpenFile(wh.PayloadPath(base), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if _, rerr := wh.Release(base); rerr != nil {
			m.logf("release %s: %s", base, rerr)
		}
		return nil, err
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		if _, rerr := wh.Release(base); rerr != nil {
			m.logf("release %s: %s", base, rerr)
		}
		return nil, err
	}
	byteStart := info.Size()
	var written int64
	skipSegment := false

	sec := io.NewSectionReader(old, meta.ByteStart, meta.ByteEnd-meta.ByteStart)
	lines := bufio.NewScanner(sec)
	lines.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for lines.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(lines.Bytes(), &rec); err != nil {
			m.logf("bad record in segment %s: %s", meta.ID, err)
			continue
		}
		rec, skipSegment = m.applyChain(rec, &meta)
		if skipSegment {
			break
		}
		if rec == nil {
			continue
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			m.logf("re-encode record in segment %s: %s", meta.ID, err)
			continue
		}
		buf = append(buf, '\n')
		n, werr := out.Write(buf)
		written += int64(n)
		if werr != nil {
			return m.abortSegment(out, base, byteStart, wh), werr
		}
	}
	if err := lines.Err(); err != nil {
		return m.abortSegment(out, base, byteStart, wh), err
	}

	if skipSegment || written == 0 {
		// roll the payload back so the dropped segment
		// leaves no unaddressed bytes behind
		return m.abortSegment(out, base, byteStart, wh), nil
	}

	meta.ByteStart = byteStart
	meta.ByteEnd = byteStart + written
	metaErr := appendMetadata(wh.MetadataPath(base), meta)
	closeErr := out.Close()
	var sealed []string
	if s, err := wh.Release(base); err != nil {
		m.logf("release %s: %s", base, err)
	} else if s != "" {
		sealed = append(sealed, s)
	}
	if metaErr != nil {
		return sealed, metaErr
	}
	return sealed, closeErr
}

// applyChain runs the profiles over one record. A nil
// record return breaks the chain immediately; a nil
// metadata return drops the segment. A panicking profile
// costs only the current record.
func (m *Modifier) applyChain(rec map[string]interface{}, meta **warehouse.Metadata) (out map[string]interface{}, dropSegment bool) {
	out = rec
	for _, p := range m.profiles {
		var next *warehouse.Metadata
		var failed bool
		out, next, failed = m.applyProfile(p, out, *meta)
		if failed {
			return nil, false
		}
		if next == nil {
			return nil, true
		}
		*meta = next
		if out == nil {
			return nil, false
		}
	}
	return out, false
}

func (m *Modifier) applyProfile(p Profile, rec map[string]interface{}, meta *warehouse.Metadata) (outRec map[string]interface{}, outMeta *warehouse.Metadata, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logf("profile %T panicked on a record of segment %s: %v", p, meta.ID, r)
			outRec, outMeta, failed = nil, meta, true
		}
	}()
	outRec, outMeta = p.Apply(rec, meta)
	return outRec, outMeta, false
}

func (m *Modifier) abortSegment(out *os.File, base string, byteStart int64, wh *warehouse.Dir) []string {
	if err := out.Truncate(byteStart); err != nil {
		m.logf("truncate %s: %s", base, err)
	}
	out.Close()
	var sealed []string
	if s, err := wh.Release(base); err != nil {
		m.logf("release %s: %s", base, err)
	} else if s != "" {
		sealed = append(sealed, s)
	}
	return sealed
}

func appendMetadata(path string, meta *warehouse.Metadata) error {
	if meta.Categories == nil {
		meta.Categories = []string{}
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(buf)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

// maxRecordSize bounds one payload line; full revision
// texts of large articles run to megabytes, not gigabytes.
const maxRecordSize = 256 << 20
