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

package fsutil

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// LineOffsets returns the byte offset of the first byte of
// every non-empty line in the file at path. Blank lines
// (a lone newline) are skipped. The offsets can later be
// handed to ReadLineAt to random-access one line at a time
// without holding the file in memory.
func LineOffsets(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var (
		offsets []int64
		pos     int64
		rd      = bufio.NewReader(f)
	)
	for {
		line, err := rd.ReadString('\n')
		if len(line) > 0 && line != "\n" {
			offsets = append(offsets, pos)
		}
		pos += int64(len(line))
		if err == io.EOF {
			return offsets, nil
		}
		if err != nil {
			return offsets, err
		}
	}
}

// ReadLineAt seeks to off in the file at path and reads a
// single line. The trailing newline, if any, is stripped.
func ReadLineAt(path string, off int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
