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

// Package decomp bulk-expands archives in environments
// where no command-line unarchiver is available (compute
// clusters, minimal containers). It does not interpret the
// contents; use the reader package to read warehouses.
package decomp

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/warkive/warkive/compr"
	"github.com/warkive/warkive/fsutil"
	"github.com/warkive/warkive/pool"
)

const stageDecompress = "decompress"

// ErrNoInput is returned by Start when nothing has been
// preloaded.
var ErrNoInput = errors.New("no input files preloaded")

// Decompressor expands preloaded 7z, zstd, and bzip2 files
// on a worker pool.
type Decompressor struct {
	// Workers is the worker pool size. Values below 1 mean 1.
	Workers int
	// Logf, if non-nil, receives progress. It must be safe
	// to call from multiple goroutines.
	Logf func(f string, args ...interface{})

	files []string
}

func (d *Decompressor) logf(f string, args ...interface{}) {
	if d.Logf != nil {
		d.Logf(f, args...)
	}
}

// Preload records the files under path for the next Start.
func (d *Decompressor) Preload(path string) error {
	if path == "" {
		return errors.New("empty preload path")
	}
	files, err := fsutil.ListFiles(path)
	if err != nil {
		return err
	}
	d.files = append(d.files, files...)
	return nil
}

// Start expands every preloaded file into outputDir. An
// existing output directory is removed first. Unknown file
// types are logged and skipped; per-file codec failures
// are logged and do not stop the rest.
func (d *Decompressor) Start(outputDir string) error {
	if len(d.files) == 0 {
		return ErrNoInput
	}
	if err := fsutil.PrepareOutputDir(outputDir); err != nil {
		return err
	}

	c := pool.New(d.Workers)
	c.Logf = d.Logf
	total := len(d.files)
	done := 0

	c.Handle(stageDecompress, pool.Handler{
		Run: func(args interface{}) (interface{}, error) {
			src := args.(string)
			return src, d.expand(src, outputDir)
		},
		OnSuccess: func(c *pool.Controller, result interface{}) {
			done++
			d.logf("decompressed %s (%d/%d)", filepath.Base(result.(string)), done, total)
		},
		OnError: func(c *pool.Controller, args interface{}, err error) {
			done++
			d.logf("decompress %s: %s (%d/%d)", args.(string), err, done, total)
		},
	})

	for _, f := range d.files {
		c.Submit(stageDecompress, f)
	}
	c.Drain()
	c.Close()
	d.logf("decompression finished: %d file(s)", total)
	return nil
}

func (d *Decompressor) expand(src, outputDir string) error {
	name := filepath.Base(src)
	switch {
	case strings.HasSuffix(name, ".zst"):
		return compr.DecompressZstd(src,
			filepath.Join(outputDir, strings.TrimSuffix(name, ".zst")))
	case strings.HasSuffix(name, ".7z"):
		_, err := compr.Extract7z(src,
			filepath.Join(outputDir, strings.TrimSuffix(name, ".7z")))
		return err
	case strings.HasSuffix(name, ".bz2"):
		return compr.DecompressBzip2(src,
			filepath.Join(outputDir, strings.TrimSuffix(name, ".bz2")))
	default:
		d.logf("unknown file type: %s", name)
		return nil
	}
}
