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
	"os"
	"strings"

	"github.com/warkive/warkive/warehouse"
	"github.com/warkive/warkive/xmlstream"
)

// pageDepth is where the page children (<title>, <id>,
// <revision>, ...) sit in the dump schema:
// mediawiki(1) / page(2) / child(3).
const pageDepth = 3

const redirectMarker = "#redirect"

// process walks one XML document and appends its articles
// to warehouses. It returns the payload paths of the
// warehouses that sealed along the way. An error abandons
// the rest of the document; articles finalized before the
// error remain valid on disk, and a half-written article
// is rolled back so it leaves no metadata line.
func (b *Builder) process(xmlPath string, wh *warehouse.Dir) ([]string, error) {
	f, err := os.Open(xmlPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w := &articleWriter{wh: wh, logf: b.logf}
	err = xmlstream.Walk(f, pageDepth, w.onItem)
	if w.err != nil {
		err = w.err
	}
	if err != nil {
		w.abort()
		return w.sealed, err
	}
	if err := w.finalize(); err != nil {
		return w.sealed, err
	}
	return w.sealed, nil
}

// articleWriter is the transient per-document state: at
// most one article is open at a time, holding exclusive
// append access to its assigned warehouse between the
// <id> event that opens it and the finalize that releases
// it.
type articleWriter struct {
	wh   *warehouse.Dir
	logf func(f string, args ...interface{})

	haveTitle bool
	title     string
	id        string
	base      string
	payload   *os.File
	byteStart int64
	written   int64
	sourceRev string
	lastText  string

	sealed []string
	err    error
}

func (w *articleWriter) onItem(path []string, value interface{}) bool {
	switch path[len(path)-1] {
	case "title":
		// a new article begins; settle the previous one
		if err := w.finalize(); err != nil {
			w.err = err
			return false
		}
		w.title, _ = value.(string)
		w.haveTitle = true
	case "id":
		// the article-level id is the first one after the
		// title; revision ids arrive nested inside maps
		if !w.haveTitle || w.payload != nil {
			break
		}
		id, ok := value.(string)
		if !ok {
			break
		}
		if err := w.open(id); err != nil {
			w.err = err
			return false
		}
	default:
		m, ok := value.(map[string]interface{})
		if !ok || w.payload == nil {
			break
		}
		if _, ok := m["text"]; !ok {
			break
		}
		if err := w.appendRevision(m); err != nil {
			w.err = err
			return false
		}
	}
	return true
}

// open assigns a warehouse and opens its payload for
// appending; the current length becomes the article's
// byte_start.
func (w *articleWriter) open(id string) error {
	base, err := w.wh.Assign()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(w.wh.PayloadPath(base), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if _, rerr := w.wh.Release(base); rerr != nil {
			w.logf("release %s: %s", base, rerr)
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		if _, rerr := w.wh.Release(base); rerr != nil {
			w.logf("release %s: %s", base, rerr)
		}
		return err
	}
	w.id = id
	w.base = base
	w.payload = f
	w.byteStart = info.Size()
	w.written = 0
	w.sourceRev = ""
	w.lastText = ""
	return nil
}

// appendRevision writes one revision map as a JSON line.
// The revision's own id/parentid become revision_id and
// parent_id; everything else (timestamp, text,
// contributor, ...) passes through under its original key.
func (w *articleWriter) appendRevision(m map[string]interface{}) error {
	rec := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		switch k {
		case "id":
			rec["revision_id"] = v
		case "parentid":
			rec["parent_id"] = v
		default:
			rec[k] = v
		}
	}
	rec["article_id"] = w.id
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	n, err := w.payload.Write(buf)
	w.written += int64(n)
	if err != nil {
		return err
	}
	if content, ok := textContent(m); ok && !isRedirect(content) {
		if rid, ok := m["id"].(string); ok {
			w.sourceRev = rid
		}
		w.lastText = content
	}
	return nil
}

// textContent digs out text.#text, accepting a plain
// string for a <text> element without attributes.
func textContent(m map[string]interface{}) (string, bool) {
	switch t := m["text"].(type) {
	case string:
		return t, true
	case map[string]interface{}:
		s, _ := t["#text"].(string)
		return s, true
	}
	return "", false
}

func isRedirect(text string) bool {
	t := strings.TrimSpace(text)
	return len(t) >= len(redirectMarker) &&
		strings.EqualFold(t[:len(redirectMarker)], redirectMarker)
}

// finalize settles the open article: metadata line, payload
// close, warehouse release. An article whose revisions all
// vanished writes no metadata line; a segment with an
// empty byte range is never recorded. A title that never
// saw an article id is skipped entirely.
func (w *articleWriter) finalize() error {
	if !w.haveTitle {
		return nil
	}
	if w.payload == nil {
		w.reset()
		return nil
	}
	// close before releasing so a seal-and-compress task
	// sees the final bytes
	closeErr := w.payload.Close()
	var metaErr error
	if w.written > 0 {
		meta := warehouse.Metadata{
			ID:             w.id,
			Title:          w.title,
			SourceRevision: w.sourceRev,
			Categories:     ExtractCategories(w.lastText),
			ByteStart:      w.byteStart,
			ByteEnd:        w.byteStart + w.written,
		}
		metaErr = appendMetadata(w.wh.MetadataPath(w.base), &meta)
	}
	sealed, err := w.wh.Release(w.base)
	if sealed != "" {
		w.sealed = append(w.sealed, sealed)
	}
	w.reset()
	if metaErr != nil {
		return metaErr
	}
	if err != nil {
		return err
	}
	return closeErr
}

// abort rolls back a half-written article after a walk
// error: the payload is truncated back to byte_start so no
// unaddressed bytes remain, and no metadata line is
// written.
func (w *articleWriter) abort() {
	if w.payload == nil {
		w.reset()
		return
	}
	if err := w.payload.Truncate(w.byteStart); err != nil {
		w.logf("truncate %s: %s", w.base, err)
	}
	w.payload.Close()
	sealed, err := w.wh.Release(w.base)
	if sealed != "" {
		w.sealed = append(w.sealed, sealed)
	}
	if err != nil {
		w.logf("release %s: %s", w.base, err)
	}
	w.reset()
}

func (w *articleWriter) reset() {
	w.haveTitle = false
	w.title = ""
	w.id = ""
	w.base = ""
	w.payload = nil
	w.byteStart = 0
	w.written = 0
	w.sourceRev = ""
	w.lastText = ""
}

func appendMetadata(path string, m *warehouse.Metadata) error {
	buf, err := json.Marshal(m)
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
