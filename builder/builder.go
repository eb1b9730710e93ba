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

// Package builder turns compressed edit-history dumps into
// warehouses: size-capped JSON-lines payload files with
// per-article byte-range metadata sidecars.
//
// A build runs three stages per input archive on a shared
// worker pool: decompress expands the archive into a
// per-task temp tree, process walks each extracted XML
// document and appends one record per revision directly to
// an assigned warehouse, and cleanup compresses each
// payload that crossed the size cap. Records are written
// straight to their warehouse rather than staged in
// per-article files first; the allocator's one-writer rule
// makes the byte ranges exact either way, and direct
// writes keep the temp footprint at one decompressed
// archive per worker.
package builder

import (
	"errors"
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
	stageDecompress = "decompress"
	stageProcess    = "process"
	stageCleanup    = "cleanup"
)

// ErrNoInput is returned by Build when nothing has been
// preloaded.
var ErrNoInput = errors.New("no input files preloaded")

// Builder drives the dump-to-warehouse pipeline. Configure
// the fields, Preload the inputs, then call Build once.
type Builder struct {
	// OutputDir receives the warehouses. An existing
	// directory is removed first.
	OutputDir string
	// Workers is the worker pool size. Values below 1 mean 1.
	Workers int
	// MaxSize is the payload size in bytes at which a
	// warehouse seals. Zero means warehouse.DefaultMaxSize.
	MaxSize int64
	// Compress replaces each sealed payload with a
	// zstd-compressed copy.
	Compress bool
	// StartIndex seeds the warehouse index counter.
	StartIndex int
	// Logf, if non-nil, will be where the builder logs
	// pipeline actions as it is executing. Logf must be
	// safe to call from multiple goroutines simultaneously.
	Logf func(f string, args ...interface{})

	files []string
}

func (b *Builder) logf(f string, args ...interface{}) {
	if b.Logf != nil {
		b.Logf(f, args...)
	}
}

func (b *Builder) fsError(path string, err error) {
	b.logf("cleanup %s: %s", path, err)
}

// Preload records the archives under path (a file or a
// directory tree) for the next Build. It can be called
// multiple times; the actual work starts in Build.
func (b *Builder) Preload(path string) error {
	if path == "" {
		return errors.New("empty preload path")
	}
	files, err := fsutil.ListFiles(path)
	if err != nil {
		return err
	}
	b.files = append(b.files, files...)
	return nil
}

// extracted is the result of the decompress stage: the
// XML documents recovered from one archive, plus the temp
// directory that holds them. remaining counts the process
// tasks still outstanding; it is touched only on the
// controller goroutine.
type extracted struct {
	archive   string
	tempDir   string // empty when the input was already raw XML
	xmls      []string
	remaining int
}

type processTask struct {
	xml    string
	parent *extracted
}

// processResult carries the per-input error the way the
// stage contract wants it: a failed document abandons that
// document only, so the error rides in the result instead
// of failing the task.
type processResult struct {
	task   *processTask
	sealed []string
	err    error
}

// Build runs the pipeline over the preloaded archives.
// Only a missing input or a failure to prepare the output
// directory is returned as an error; per-archive failures
// are logged and skipped, and the output directory
// reflects whatever work completed.
func (b *Builder) Build() error {
	if len(b.files) == 0 {
		return ErrNoInput
	}
	if err := fsutil.PrepareOutputDir(b.OutputDir); err != nil {
		return err
	}
	tempRoot := filepath.Join(b.OutputDir, "temp")
	if err := os.MkdirAll(tempRoot, 0750); err != nil {
		return err
	}
	wh := &warehouse.Dir{
		OutputDir:  b.OutputDir,
		MaxSize:    b.MaxSize,
		Compress:   b.Compress,
		StartIndex: b.StartIndex,
		Logf:       b.Logf,
	}

	c := pool.New(b.Workers)
	c.Logf = b.Logf

	total := len(b.files)
	done := 0

	c.Handle(stageDecompress, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			return b.decompress(tempRoot, args.(string))
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			ex := result.(*extracted)
			done++
			b.logf("decompressed %s: %d document(s) (%d/%d)",
				filepath.Base(ex.archive), len(ex.xmls), done, total)
			if len(ex.xmls) == 0 {
				b.removeTemp(ex)
				return
			}
			ex.remaining = len(ex.xmls)
			// front-inserted in reverse so the documents
			// run in their extracted order
			for i := len(ex.xmls) - 1; i >= 0; i-- {
				c.Push(stageProcess, &processTask{xml: ex.xmls[i], parent: ex})
			}
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			done++
			b.logf("decompress %s: %s (%d/%d)", args.(string), err, done, total)
		},
	})

	c.Handle(stageProcess, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			pt := args.(*processTask)
			sealed, err := b.process(pt.xml, wh)
			return &processResult{task: pt, sealed: sealed, err: err}, nil
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			pr := result.(*processResult)
			if pr.err != nil {
				b.logf("process %s: %s", pr.task.xml, pr.err)
			}
			for _, payload := range pr.sealed {
				c.Push(stageCleanup, payload)
			}
			b.finishProcess(pr.task.parent)
		},
	})

	c.Handle(stageCleanup, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			payload := args.(string)
			return payload, b.compressPayload(payload)
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			b.logf("warehouse packed: %s", result.(string)+warehouse.CompressedExt)
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			b.logf("compress %s: %s", args.(string), err)
		},
	})

	for _, f := range b.files {
		c.Submit(stageDecompress, f)
	}
	c.Drain()

	// second phase: flush the warehouses that never
	// crossed the cap
	for _, base := range wh.Open() {
		if err := wh.Finalize(base); err != nil {
			b.logf("finalize %s: %s", base, err)
			continue
		}
		payload := wh.PayloadPath(base)
		if info, err := os.Stat(payload); err == nil && info.Size() == 0 {
			// created but never written; drop the empty pair
			os.Remove(payload)
			os.Remove(wh.MetadataPath(base))
			continue
		}
		if b.Compress {
			c.Submit(stageCleanup, payload)
		}
	}
	c.Drain()
	c.Close()

	fsutil.CleanupDir(tempRoot, b.fsError)
	b.logf("build complete: %d archive(s)", total)
	return nil
}

// decompress expands one archive into a fresh temp
// directory. Raw XML inputs skip extraction and are
// processed in place.
func (b *Builder) decompress(tempRoot, archive string) (*extracted, error) {
	switch {
	case strings.HasSuffix(archive, ".xml"):
		return &extracted{archive: archive, xmls: []string{archive}}, nil
	case strings.HasSuffix(archive, ".7z"):
		dir, err := newTempDir(tempRoot)
		if err != nil {
			return nil, err
		}
		files, err := compr.Extract7z(archive, dir)
		if err != nil {
			fsutil.CleanupDir(dir, b.fsError)
			return nil, err
		}
		return &extracted{archive: archive, tempDir: dir, xmls: files}, nil
	case strings.HasSuffix(archive, ".bz2"):
		dir, err := newTempDir(tempRoot)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(dir, strings.TrimSuffix(filepath.Base(archive), ".bz2"))
		if err := compr.DecompressBzip2(archive, dst); err != nil {
			fsutil.CleanupDir(dir, b.fsError)
			return nil, err
		}
		return &extracted{archive: archive, tempDir: dir, xmls: []string{dst}}, nil
	default:
		b.logf("skipping unsupported archive %s", archive)
		return &extracted{archive: archive}, nil
	}
}

func newTempDir(tempRoot string) (string, error) {
	dir := filepath.Join(tempRoot, uuid.NewString())
	return dir, os.MkdirAll(dir, 0750)
}

// finishProcess retires one process task of an archive and
// removes the archive's temp tree once the last one is
// done. Runs on the controller goroutine only.
func (b *Builder) finishProcess(ex *extracted) {
	if ex == nil || ex.tempDir == "" {
		return
	}
	ex.remaining--
	if ex.remaining > 0 {
		return
	}
	b.removeTemp(ex)
}

func (b *Builder) removeTemp(ex *extracted) {
	if ex.tempDir != "" {
		fsutil.CleanupDir(ex.tempDir, b.fsError)
	}
}

func (b *Builder) compressPayload(payload string) error {
	if err := compr.CompressZstd(payload, payload+warehouse.CompressedExt); err != nil {
		return err
	}
	return os.Remove(payload)
}
