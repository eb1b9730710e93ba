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

// Package xmlstream walks an XML document in one pass and
// surfaces the elements closed at a fixed depth as decoded
// values, without ever holding more than one such subtree
// in memory.
package xmlstream

import (
	"encoding/xml"
	"io"
	"strings"
)

// ItemFunc receives one element closed at the walk depth.
// path holds the element names from the root down to (and
// including) the current element. value is a string for a
// plain leaf, or a map[string]interface{} for an element
// with attributes or children: attributes appear under
// "@name" keys, character data under "#text", and a child
// tag repeated more than once collapses to a
// []interface{} in document order. Returning false stops
// the walk immediately.
type ItemFunc func(path []string, value interface{}) bool

// Walk tokenizes the document from r and calls onItem for
// every element closed at exactly depth (the root element
// is depth 1). Subtrees are discarded as soon as the
// callback returns. A false return from onItem aborts the
// walk without error.
func Walk(r io.Reader, depth int, onItem ItemFunc) error {
	dec := xml.NewDecoder(r)
	var stack []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if len(stack) == depth {
				value, err := decodeSubtree(dec, t)
				if err != nil {
					return err
				}
				if !onItem(stack, value) {
					return nil
				}
				stack = stack[:len(stack)-1]
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

// decodeSubtree consumes tokens up to and including the
// EndElement matching start, and returns the decoded value.
func decodeSubtree(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	node := make(map[string]interface{})
	for _, a := range start.Attr {
		node["@"+a.Name.Local] = a.Value
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			// a subtree cut short mid-element is malformed
			// even when the underlying error is io.EOF
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeSubtree(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(node, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return s, nil
			}
			if s != "" {
				node["#text"] = s
			}
			return node, nil
		}
	}
}

func addChild(node map[string]interface{}, name string, child interface{}) {
	prev, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if list, ok := prev.([]interface{}); ok {
		node[name] = append(list, child)
		return
	}
	node[name] = []interface{}{prev, child}
}
