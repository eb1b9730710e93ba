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

package xmlstream

import (
	"strings"
	"testing"
)

const sampleDoc = `<mediawiki>
  <page>
    <title>Alpha</title>
    <id>42</id>
    <revision>
      <id>1</id>
      <timestamp>2006-02-15T22:00:13Z</timestamp>
      <text bytes="5" xml:space="preserve">hello</text>
    </revision>
    <revision>
      <id>2</id>
      <text bytes="5">world</text>
    </revision>
  </page>
</mediawiki>`

type item struct {
	tag   string
	value interface{}
}

func collect(t *testing.T, doc string, depth int) []item {
	t.Helper()
	var items []item
	err := Walk(strings.NewReader(doc), depth, func(path []string, value interface{}) bool {
		items = append(items, item{path[len(path)-1], value})
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestWalkDepth3(t *testing.T) {
	items := collect(t, sampleDoc, 3)
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if items[0].tag != "title" || items[0].value != "Alpha" {
		t.Errorf("item 0: %v", items[0])
	}
	if items[1].tag != "id" || items[1].value != "42" {
		t.Errorf("item 1: %v", items[1])
	}
	rev, ok := items[2].value.(map[string]interface{})
	if !ok {
		t.Fatalf("revision not a map: %T", items[2].value)
	}
	if rev["id"] != "1" {
		t.Errorf("revision id %v", rev["id"])
	}
	text, ok := rev["text"].(map[string]interface{})
	if !ok {
		t.Fatalf("text not a map: %T", rev["text"])
	}
	if text["#text"] != "hello" || text["@bytes"] != "5" {
		t.Errorf("text node %v", text)
	}
}

func TestWalkDepth2RepeatedChildren(t *testing.T) {
	items := collect(t, sampleDoc, 2)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	page := items[0].value.(map[string]interface{})
	revs, ok := page["revision"].([]interface{})
	if !ok {
		t.Fatalf("repeated <revision> not a list: %T", page["revision"])
	}
	if len(revs) != 2 {
		t.Errorf("got %d revisions, want 2", len(revs))
	}
}

func TestWalkAbort(t *testing.T) {
	n := 0
	err := Walk(strings.NewReader(sampleDoc), 3, func(path []string, value interface{}) bool {
		n++
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("callback ran %d times after abort, want 1", n)
	}
}

func TestWalkMalformed(t *testing.T) {
	err := Walk(strings.NewReader("<a><b><c>unclosed"), 3, func([]string, interface{}) bool {
		return true
	})
	if err == nil {
		t.Error("expected error for truncated document")
	}
}
