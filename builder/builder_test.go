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

package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warkive/warkive/compr"
	"github.com/warkive/warkive/fsutil"
	"github.com/warkive/warkive/warehouse"
)

type rev struct {
	id, text string
}

func page(id, title string, revs ...rev) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  <page>\n    <title>%s</title>\n    <ns>0</ns>\n    <id>%s</id>\n", title, id)
	for _, r := range revs {
		fmt.Fprintf(&sb, "    <revision>\n      <id>%s</id>\n      <timestamp>2006-02-15T22:00:13Z</timestamp>\n", r.id)
		fmt.Fprintf(&sb, "      <text bytes=\"%d\" xml:space=\"preserve\">%s</text>\n    </revision>\n", len(r.text), r.text)
	}
	sb.WriteString("  </page>\n")
	return sb.String()
}

func dump(pages ...string) string {
	return "<mediawiki>\n" + strings.Join(pages, "") + "</mediawiki>\n"
}

func writeDump(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.xml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func build(t *testing.T, b *Builder, input string) {
	t.Helper()
	if err := b.Preload(input); err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatal(err)
	}
}

// readWarehouse returns the metadata lines and the
// (decompressed, when needed) payload of one warehouse.
func readWarehouse(t *testing.T, dir, base string) ([]warehouse.Metadata, []byte) {
	t.Helper()
	payloadName, metaName := warehouse.Filenames(base)
	payload := filepath.Join(dir, payloadName)
	if _, err := os.Stat(payload); err != nil {
		tmp := filepath.Join(t.TempDir(), payloadName)
		if err := compr.DecompressZstd(payload+warehouse.CompressedExt, tmp); err != nil {
			t.Fatalf("decompress %s: %s", base, err)
		}
		payload = tmp
	}
	body, err := os.ReadFile(payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		t.Fatal(err)
	}
	var metas []warehouse.Metadata
	for _, line := range strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m warehouse.Metadata
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad metadata line %q: %s", line, err)
		}
		metas = append(metas, m)
	}
	return metas, body
}

func records(t *testing.T, payload []byte, m warehouse.Metadata) []map[string]interface{} {
	t.Helper()
	if m.ByteEnd > int64(len(payload)) || m.ByteStart >= m.ByteEnd {
		t.Fatalf("bad byte range [%d, %d) in payload of %d bytes", m.ByteStart, m.ByteEnd, len(payload))
	}
	seg := payload[m.ByteStart:m.ByteEnd]
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSuffix(string(seg), "\n"), "\n") {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad record %q: %s", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestBuildSingleArticle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1 << 20, Compress: true, Logf: t.Logf}
	build(t, b, writeDump(t, dump(page("42", "Alpha", rev{"1", "hello"}))))

	if _, err := os.Stat(filepath.Join(out, "warehouse_00000.jsonl.zst")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(out, "warehouse_00000.jsonl")); !os.IsNotExist(err) {
		t.Error("uncompressed payload left behind")
	}
	metas, payload := readWarehouse(t, out, "warehouse_00000")
	if len(metas) != 1 {
		t.Fatalf("%d metadata lines, want 1", len(metas))
	}
	m := metas[0]
	if m.ID != "42" || m.Title != "Alpha" || m.SourceRevision != "1" {
		t.Errorf("metadata %+v", m)
	}
	if len(m.Categories) != 0 {
		t.Errorf("categories %v", m.Categories)
	}
	if m.ByteStart != 0 || m.ByteEnd != int64(len(payload)) {
		t.Errorf("byte range [%d, %d), payload %d bytes", m.ByteStart, m.ByteEnd, len(payload))
	}
	recs := records(t, payload, m)
	if len(recs) != 1 {
		t.Fatalf("%d records, want 1", len(recs))
	}
	r := recs[0]
	if r["article_id"] != "42" || r["revision_id"] != "1" {
		t.Errorf("record %v", r)
	}
	text := r["text"].(map[string]interface{})
	if text["#text"] != "hello" {
		t.Errorf("text %v", text)
	}
	if _, err := os.Stat(filepath.Join(out, "temp")); !os.IsNotExist(err) {
		t.Error("temp tree left behind")
	}
}

func TestBuildMultiArticle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	doc := dump(
		page("1", "Alpha", rev{"10", "aaa"}, rev{"11", "aaaa"}),
		page("2", "Beta", rev{"20", "bbb"}),
		page("3", "Gamma", rev{"30", "ccc"}),
	)
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1 << 20, Compress: false, Logf: t.Logf}
	build(t, b, writeDump(t, doc))

	metas, payload := readWarehouse(t, out, "warehouse_00000")
	if len(metas) != 3 {
		t.Fatalf("%d metadata lines, want 3", len(metas))
	}
	// ordered, disjoint, and consistent with the payload
	for i, m := range metas {
		if i > 0 && m.ByteStart < metas[i-1].ByteEnd {
			t.Errorf("segments overlap or out of order at line %d", i)
		}
		for _, r := range records(t, payload, m) {
			if r["article_id"] != m.ID {
				t.Errorf("record of %s inside segment of %s", r["article_id"], m.ID)
			}
		}
	}
	if got := []string{metas[0].ID, metas[1].ID, metas[2].ID}; got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Errorf("segment order %v", got)
	}
	if n := len(records(t, payload, metas[0])); n != 2 {
		t.Errorf("article 1 has %d records, want 2", n)
	}
}

func TestBuildSplitBySize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	doc := dump(
		page("1", "Alpha", rev{"10", "aaa"}),
		page("2", "Beta", rev{"20", "bbb"}),
		page("3", "Gamma", rev{"30", "ccc"}),
	)
	// a 1-byte cap seals a warehouse after every article
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1, Compress: true, Logf: t.Logf}
	build(t, b, writeDump(t, doc))

	zst, err := fsutil.ListFiles(out, warehouse.CompressedExt)
	if err != nil {
		t.Fatal(err)
	}
	if len(zst) != 3 {
		t.Fatalf("%d compressed warehouses, want 3: %v", len(zst), zst)
	}
	for i := 0; i < 3; i++ {
		base := fmt.Sprintf("warehouse_%05d", i)
		metas, payload := readWarehouse(t, out, base)
		if len(metas) != 1 {
			t.Errorf("%s: %d metadata lines", base, len(metas))
			continue
		}
		if metas[0].ByteEnd != int64(len(payload)) {
			t.Errorf("%s: byte_end %d, payload %d", base, metas[0].ByteEnd, len(payload))
		}
	}
}

func TestBuildCategoriesAndRedirects(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	doc := dump(
		page("1", "Alpha",
			rev{"10", "#REDIRECT [[Beta]]"},
			rev{"11", "body\n[[Category:Foo]]\n[[Category:Bar]]"},
		),
		page("2", "Beta", rev{"20", "#REDIRECT [[Alpha]]"}),
	)
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1 << 20, Compress: false, Logf: t.Logf}
	build(t, b, writeDump(t, doc))

	metas, _ := readWarehouse(t, out, "warehouse_00000")
	if len(metas) != 2 {
		t.Fatalf("%d metadata lines, want 2", len(metas))
	}
	alpha, beta := metas[0], metas[1]
	if alpha.SourceRevision != "11" {
		t.Errorf("alpha source revision %q", alpha.SourceRevision)
	}
	if len(alpha.Categories) != 2 || alpha.Categories[0] != "Foo" || alpha.Categories[1] != "Bar" {
		t.Errorf("alpha categories %v", alpha.Categories)
	}
	// a redirect-only article has no source revision and
	// contributes no categories
	if beta.SourceRevision != "" {
		t.Errorf("beta source revision %q", beta.SourceRevision)
	}
	if len(beta.Categories) != 0 {
		t.Errorf("beta categories %v", beta.Categories)
	}
}

func TestBuildZeroRevisionArticle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	doc := dump(
		page("1", "Empty"),
		page("2", "Full", rev{"20", "body"}),
	)
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1 << 20, Compress: false, Logf: t.Logf}
	build(t, b, writeDump(t, doc))

	metas, payload := readWarehouse(t, out, "warehouse_00000")
	if len(metas) != 1 {
		t.Fatalf("%d metadata lines, want 1", len(metas))
	}
	if metas[0].ID != "2" {
		t.Errorf("kept article %q", metas[0].ID)
	}
	if metas[0].ByteStart != 0 {
		t.Errorf("byte_start %d after an empty article", metas[0].ByteStart)
	}
	if metas[0].ByteEnd != int64(len(payload)) {
		t.Error("payload has bytes outside any segment")
	}
}

func TestBuildStartIndex(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	b := &Builder{OutputDir: out, Workers: 1, MaxSize: 1 << 20, Compress: false, StartIndex: 3, Logf: t.Logf}
	build(t, b, writeDump(t, dump(page("1", "Alpha", rev{"10", "x"}))))
	if _, err := os.Stat(filepath.Join(out, "warehouse_00003.jsonl")); err != nil {
		t.Error(err)
	}
}

func TestBuildNoInput(t *testing.T) {
	b := &Builder{OutputDir: t.TempDir()}
	if err := b.Build(); !errors.Is(err, ErrNoInput) {
		t.Errorf("got %v, want ErrNoInput", err)
	}
}

func TestPreload(t *testing.T) {
	b := &Builder{}
	if err := b.Preload(""); err == nil {
		t.Error("empty path accepted")
	}
	if err := b.Preload(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing path: %v", err)
	}
}

func TestBuildSkipsUnsupportedArchive(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "input")
	if err := os.MkdirAll(in, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(in, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(in, "dump.xml"),
		[]byte(dump(page("1", "Alpha", rev{"10", "x"}))), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")
	b := &Builder{OutputDir: out, Workers: 2, MaxSize: 1 << 20, Compress: false, Logf: t.Logf}
	build(t, b, in)
	metas, _ := readWarehouse(t, out, "warehouse_00000")
	if len(metas) != 1 {
		t.Errorf("%d metadata lines, want 1", len(metas))
	}
}
