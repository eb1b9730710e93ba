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

// Package reader reads warehouses back: bulk decompression
// of the payload files, and a quick glimpse of one record
// for schema inspection.
package reader

import (
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/warkive/warkive/compr"
	"github.com/warkive/warkive/fsutil"
	"github.com/warkive/warkive/pool"
	"github.com/warkive/warkive/warehouse"
)

const stageDecompress = "decompress"

// ErrNoInput is returned when nothing has been preloaded.
var ErrNoInput = errors.New("no input files preloaded")

// housekeeping files a warehouse directory tends to
// accumulate; never worth decompressing or warning about
var ignoredFiles = map[string]struct{}{
	".DS_Store":      {},
	".gitignore":     {},
	".gitattributes": {},
	".env":           {},
}

// Reader reads from an existing warehouse set rather than
// from the original data source.
type Reader struct {
	// OutputDir receives decompressed payloads. An
	// existing directory is removed by Decompress.
	OutputDir string
	// Workers is the worker pool size. Values below 1 mean 1.
	Workers int
	// Logf, if non-nil, receives progress. It must be safe
	// to call from multiple goroutines.
	Logf func(f string, args ...interface{})

	files []string
}

func (r *Reader) logf(f string, args ...interface{}) {
	if r.Logf != nil {
		r.Logf(f, args...)
	}
}

// Preload records the files under path. Metadata sidecars
// may be included; they are ignored where they make no
// sense.
func (r *Reader) Preload(path string) error {
	if path == "" {
		return errors.New("empty preload path")
	}
	files, err := fsutil.ListFiles(path)
	if err != nil {
		return err
	}
	r.files = append(r.files, files...)
	return nil
}

func (r *Reader) compressed() []string {
	var out []string
	for _, f := range r.files {
		if strings.HasSuffix(f, warehouse.CompressedExt) {
			out = append(out, f)
		}
	}
	return out
}

// Decompress expands every preloaded payload into
// OutputDir in parallel. Sidecars and housekeeping files
// are skipped silently; anything else unsupported is
// logged and skipped.
func (r *Reader) Decompress() error {
	if len(r.files) == 0 {
		return ErrNoInput
	}
	if err := fsutil.PrepareOutputDir(r.OutputDir); err != nil {
		return err
	}

	c := pool.New(r.Workers)
	c.Logf = r.Logf
	total := 0
	done := 0

	c.Handle(stageDecompress, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			src := args.(string)
			dst := filepath.Join(r.OutputDir,
				strings.TrimSuffix(filepath.Base(src), warehouse.CompressedExt))
			return src, compr.DecompressZstd(src, dst)
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			done++
			r.logf("decompressed %s (%d/%d)", filepath.Base(result.(string)), done, total)
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			done++
			r.logf("decompress %s: %s (%d/%d)", args.(string), err, done, total)
		},
	})

	for _, f := range r.files {
		if strings.HasSuffix(f, warehouse.MetadataExt) {
			continue
		}
		if _, ok := ignoredFiles[filepath.Base(f)]; ok {
			continue
		}
		if !strings.HasSuffix(f, warehouse.CompressedExt) {
			r.logf("unsupported file format: %s", f)
			continue
		}
		total++
		c.Submit(stageDecompress, f)
	}
	c.Drain()
	c.Close()
	r.logf("decompression complete: %d file(s)", done)
	return nil
}

// Glimpse picks a random compressed payload, decompresses
// it to an ephemeral temp directory, and returns its first
// record together with a structural fingerprint of the
// record's shape. The temp directory is removed before
// returning.
func (r *Reader) Glimpse() (map[string]interface{}, interface{}, error) {
	compressed := r.compressed()
	if len(compressed) == 0 {
		return nil, nil, ErrNoInput
	}
	src := compressed[rand.Intn(len(compressed))]
	r.logf("randomly chosen file: %s", src)

	tempDir := filepath.Join(os.TempDir(), "glimpse-"+uuid.NewString())
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, nil, err
	}
	defer fsutil.CleanupDir(tempDir, func(path string, err error) {
		r.logf("cleanup %s: %s", path, err)
	})

	dst := filepath.Join(tempDir,
		strings.TrimSuffix(filepath.Base(src), warehouse.CompressedExt))
	if err := compr.DecompressZstd(src, dst); err != nil {
		return nil, nil, err
	}
	line, err := fsutil.ReadLineAt(dst, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil, nil, errors.New("payload does not start with a JSON object line")
	}
	var first map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&first); err != nil {
		return nil, nil, err
	}
	return first, Shape(first), nil
}
