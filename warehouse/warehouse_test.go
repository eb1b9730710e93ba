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

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func append2(t *testing.T, path, body string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(body); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignCreatesPair(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100}
	base, err := d.Assign()
	if err != nil {
		t.Fatal(err)
	}
	if base != "warehouse_00000" {
		t.Fatalf("base %q", base)
	}
	for _, p := range []string{d.PayloadPath(base), d.MetadataPath(base)} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("missing %s: %s", p, err)
		}
		if info.Size() != 0 {
			t.Errorf("%s not truncated", p)
		}
	}
	// the occupied warehouse is not handed out again
	other, err := d.Assign()
	if err != nil {
		t.Fatal(err)
	}
	if other == base {
		t.Error("same warehouse assigned twice")
	}
	if other != "warehouse_00001" {
		t.Errorf("second base %q", other)
	}
}

func TestAssignPrefersSmallestIndex(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100}
	a, _ := d.Assign()
	b, _ := d.Assign()
	if _, err := d.Release(a); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Release(b); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Assign()
	if got != a {
		t.Errorf("assigned %q, want smallest index %q", got, a)
	}
}

func TestReleaseSealsAtCap(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 10, Compress: true}
	base, _ := d.Assign()
	append2(t, d.PayloadPath(base), "0123456789") // exactly the cap
	sealed, err := d.Release(base)
	if err != nil {
		t.Fatal(err)
	}
	if sealed != d.PayloadPath(base) {
		t.Errorf("sealed path %q, want %q", sealed, d.PayloadPath(base))
	}
	if open := d.Open(); len(open) != 0 {
		t.Errorf("sealed warehouse still open: %v", open)
	}
	// a sealed warehouse is never reassigned
	next, _ := d.Assign()
	if next == base {
		t.Error("sealed warehouse reassigned")
	}
}

func TestReleaseBelowCapStaysAvailable(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100, Compress: true}
	base, _ := d.Assign()
	append2(t, d.PayloadPath(base), "short\n")
	sealed, err := d.Release(base)
	if err != nil {
		t.Fatal(err)
	}
	if sealed != "" {
		t.Errorf("unexpected seal of %q", sealed)
	}
	if got := d.Open(); !reflect.DeepEqual(got, []string{base}) {
		t.Errorf("open = %v", got)
	}
}

func TestDoubleReleaseAndUnknown(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100}
	base, _ := d.Assign()
	if _, err := d.Release(base); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Release(base); !errors.Is(err, ErrNotOccupied) {
		t.Errorf("double release: %v", err)
	}
	if _, err := d.Release("warehouse_99999"); !errors.Is(err, ErrUnknown) {
		t.Errorf("unknown release: %v", err)
	}
	if err := d.Finalize("warehouse_99999"); !errors.Is(err, ErrUnknown) {
		t.Errorf("unknown finalize: %v", err)
	}
}

func TestFinalize(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100}
	base, _ := d.Assign()
	if _, err := d.Release(base); err != nil {
		t.Fatal(err)
	}
	if err := d.Finalize(base); err != nil {
		t.Fatal(err)
	}
	if open := d.Open(); len(open) != 0 {
		t.Errorf("finalized warehouse still open: %v", open)
	}
}

func TestStartIndex(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 100, StartIndex: 7}
	base, _ := d.Assign()
	if base != "warehouse_00007" {
		t.Errorf("base %q", base)
	}
}

func TestBulkAssign(t *testing.T) {
	out := t.TempDir()
	staged := t.TempDir()
	mk := func(name string, size int) string {
		p := filepath.Join(staged, name)
		if err := os.WriteFile(p, make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	d := &Dir{OutputDir: out, MaxSize: 10}

	// pre-fill one warehouse to capacity 4
	full, _ := d.Assign()
	append2(t, d.PayloadPath(full), "123456")
	if _, err := d.Release(full); err != nil {
		t.Fatal(err)
	}

	a := mk("a", 8) // does not fit the 4 remaining: new warehouse (10 left, then 2)
	b := mk("b", 4) // largest remaining that admits 4 is the original (4 vs 2)
	c := mk("c", 2) // original is now full; goes to the new warehouse
	got, err := d.BulkAssign([]string{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		full:              {b},
		"warehouse_00001": {a, c},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// everything picked is occupied until released
	if _, err := d.Release(full); err != nil {
		t.Error(err)
	}
	if _, err := d.Release("warehouse_00001"); err != nil {
		t.Error(err)
	}
}

func TestBulkAssignOversized(t *testing.T) {
	staged := t.TempDir()
	p := filepath.Join(staged, "big")
	if err := os.WriteFile(p, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 10}
	got, err := d.BulkAssign([]string{p})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	for _, files := range got {
		if !reflect.DeepEqual(files, []string{p}) {
			t.Errorf("files %v", files)
		}
	}
}

func TestConcurrentAssignRelease(t *testing.T) {
	d := &Dir{OutputDir: t.TempDir(), MaxSize: 1 << 20}
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				base, err := d.Assign()
				if err != nil {
					errs <- err
					return
				}
				if _, err := d.Release(base); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMetadataEncoding(t *testing.T) {
	m := Metadata{
		ID:         "42",
		Title:      "Alpha",
		Categories: []string{},
		ByteStart:  0,
		ByteEnd:    20,
	}
	buf, err := json.Marshal(&m)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf)
	// categories must encode as a list even when empty, and
	// an absent source revision must be omitted entirely
	if want := `{"id":"42","title":"Alpha","categories":[],"byte_start":0,"byte_end":20}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
