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

import "regexp"

var categoryPattern = regexp.MustCompile(`(?m)^\[\[Category:(.+?)\]\](?:$|\n)`)

// ExtractCategories scans wiki text for category links: a
// line consisting of [[Category:NAME]]. Matching is
// case-sensitive and multi-line; names come back in
// textual order with duplicates preserved. The result is
// never nil so it always encodes as a JSON list.
func ExtractCategories(text string) []string {
	matches := categoryPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
