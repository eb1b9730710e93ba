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

// Package fsutil implements the small filesystem helpers
// shared by the pipeline stages: deterministic file
// enumeration, output directory lifecycle, and line-offset
// access into metadata sidecars.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

// ListFiles enumerates the regular files under path. A
// file path is returned as a single-element list. Entries
// whose base name begins with a dot are skipped. When exts
// is non-empty, only files ending in one of the given
// suffixes are kept. The result is deduplicated and sorted
// so repeated calls over an unchanged tree are identical.
func ListFiles(path string, exts ...string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	seen := make(map[string]struct{})
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !matchExt(p, exts) {
			return nil
		}
		seen[p] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

func matchExt(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	for _, ext := range exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// PrepareOutputDir makes dir exist and empty: an existing
// tree is removed recursively first.
func PrepareOutputDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0750)
}

// CleanupDir removes dir recursively, best-effort. Each
// filesystem error is reported to onError (if non-nil) and
// removal continues with the remaining entries; nothing is
// reported for a dir that does not exist.
func CleanupDir(dir string, onError func(path string, err error)) {
	report := func(p string, err error) {
		if onError != nil {
			onError(p, err)
		}
	}
	if _, err := os.Lstat(dir); err != nil {
		if !os.IsNotExist(err) {
			report(dir, err)
		}
		return
	}
	var rm func(p string)
	rm = func(p string) {
		entries, err := os.ReadDir(p)
		if err != nil {
			report(p, err)
		}
		for _, e := range entries {
			sub := filepath.Join(p, e.Name())
			if e.IsDir() {
				rm(sub)
				continue
			}
			if err := os.Remove(sub); err != nil {
				report(sub, err)
			}
		}
		if err := os.Remove(p); err != nil {
			report(p, err)
		}
	}
	rm(dir)
}
