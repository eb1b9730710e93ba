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

package reader

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Shape reduces a decoded JSON value to its structure:
// objects map each key to the shape of its value, lists
// become [shape-of-first-element, length], empty
// containers become "empty", and scalars become a type
// name ("int", "float", "string", "bool", "null"). Decode
// the value with json.Decoder.UseNumber so numbers keep
// their int/float distinction.
func Shape(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return "empty"
		}
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = Shape(e)
		}
		return out
	case []interface{}:
		if len(t) == 0 {
			return "empty"
		}
		return []interface{}{Shape(t[0]), len(t)}
	case json.Number:
		if _, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return "int"
		}
		return "float"
	case float64:
		// a value decoded without UseNumber
		if t == float64(int64(t)) {
			return "int"
		}
		return "float"
	case string:
		return "string"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
