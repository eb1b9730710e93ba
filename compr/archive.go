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

package compr

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/cosnicolaou/pbzip2"
)

// Extract7z expands the 7z archive at src into dstDir and
// returns the paths of the extracted regular files. Each
// call decodes sequentially; callers that want parallelism
// run concurrent calls on different archives.
func Extract7z(src, dstDir string) ([]string, error) {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return nil, codecErr("extract-7z", src, err)
	}
	defer r.Close()
	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dst := filepath.Join(dstDir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return extracted, codecErr("extract-7z", src, err)
		}
		if err := extractOne(f, dst); err != nil {
			return extracted, codecErr("extract-7z", src, err)
		}
		extracted = append(extracted, dst)
	}
	return extracted, nil
}

func extractOne(f *sevenzip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return err
}

// sevenZipUncompressed sums the uncompressed sizes recorded
// in the archive header, or 0 if the archive cannot be read.
func sevenZipUncompressed(path string) int64 {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return 0
	}
	defer r.Close()
	var total int64
	for _, f := range r.File {
		total += f.FileInfo().Size()
	}
	return total
}

// DecompressBzip2 expands the bzip2 stream at src into dst.
// Decoding is block-parallel internally, so a single large
// archive still saturates the machine.
func DecompressBzip2(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return codecErr("decompress-bz2", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return codecErr("decompress-bz2", src, err)
	}
	_, err = io.Copy(out, pbzip2.NewReader(context.Background(), in))
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return codecErr("decompress-bz2", src, err)
}
