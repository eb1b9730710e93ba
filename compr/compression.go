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

// Package compr provides a unified interface wrapping
// third-party compression libraries.
//
// Every operation is a whole-file stream transform: the
// caller supplies concrete source and destination paths
// and gets back the bytes on disk, not an abstraction.
// Destinations are expected to be fresh paths inside a
// caller-owned temp tree, so no atomic-rename dance is
// performed here.
package compr

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Error is the error type returned by all codec
// operations. It carries the source path so that a
// failure deep inside a pipeline stage can still be
// attributed to one input file.
type Error struct {
	Op   string // "compress-zstd", "extract-7z", ...
	Path string // source path
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func codecErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}

// CompressZstd compresses the file at src into a single
// zstd frame written to dst.
func CompressZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return codecErr("compress-zstd", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return codecErr("compress-zstd", src, err)
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderConcurrency(1))
	if err != nil {
		out.Close()
		return codecErr("compress-zstd", src, err)
	}
	_, err = io.Copy(enc, in)
	if err2 := enc.Close(); err == nil {
		err = err2
	}
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return codecErr("compress-zstd", src, err)
}

// DecompressZstd expands the zstd stream at src into dst.
func DecompressZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return codecErr("decompress-zstd", src, err)
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return codecErr("decompress-zstd", src, err)
	}
	defer dec.Close()
	out, err := os.Create(dst)
	if err != nil {
		return codecErr("decompress-zstd", src, err)
	}
	_, err = io.Copy(out, dec)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return codecErr("decompress-zstd", src, err)
}

// zstd frame headers are at most 18 bytes
const zstdHeaderSize = 18

// EstimatedSize guesses the decompressed size of the
// file at path. The guess is deliberately pessimistic
// (roughly 2x the known or apparent size) so that callers
// sizing temp space err on the side of caution. When no
// size can be recovered from the container header, the
// on-disk size doubled is returned.
func EstimatedSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	switch {
	case strings.HasSuffix(path, ".7z"):
		if n := sevenZipUncompressed(path); n > 0 {
			return n * 2
		}
	case strings.HasSuffix(path, ".zst"):
		f, err := os.Open(path)
		if err != nil {
			break
		}
		buf := make([]byte, zstdHeaderSize)
		n, _ := io.ReadFull(f, buf)
		f.Close()
		var h zstd.Header
		if err := h.Decode(buf[:n]); err == nil && h.HasFCS {
			return int64(h.FrameContentSize) * 2
		}
	}
	return info.Size() * 2
}
