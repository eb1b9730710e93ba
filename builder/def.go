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
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"
)

// Definition is a build pipeline described as a document,
// so recurring ingest jobs can live in version control
// instead of shell history. JSON and YAML are both
// accepted.
type Definition struct {
	// OutputDir receives the warehouses.
	OutputDir string `json:"output_dir"`
	// Inputs are the archive files or directories to
	// preload.
	Inputs []string `json:"inputs,omitempty"`
	// Workers is the worker pool size.
	Workers int `json:"workers,omitempty"`
	// MaxSize is the warehouse payload cap in bytes.
	MaxSize int64 `json:"max_size,omitempty"`
	// Compress, when nil, defaults to true.
	Compress *bool `json:"compress,omitempty"`
	// StartIndex seeds the warehouse index counter.
	StartIndex int `json:"start_index,omitempty"`
}

// just pick an upper limit to prevent DoS
const maxDefSize = 1024 * 1024

// DecodeDefinition decodes a definition from src.
//
// See also: OpenDefinition
func DecodeDefinition(src io.Reader) (*Definition, error) {
	buf, err := io.ReadAll(io.LimitReader(src, maxDefSize+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxDefSize {
		return nil, fmt.Errorf("definition beyond limit %d", maxDefSize)
	}
	d := new(Definition)
	if err := yaml.Unmarshal(buf, d); err != nil {
		return nil, err
	}
	if d.OutputDir == "" {
		return nil, fmt.Errorf("definition missing output_dir")
	}
	return d, nil
}

// OpenDefinition reads a definition document from path.
func OpenDefinition(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeDefinition(f)
}

// Builder materializes the definition as a configured
// Builder with its inputs preloaded.
func (d *Definition) Builder() (*Builder, error) {
	compress := true
	if d.Compress != nil {
		compress = *d.Compress
	}
	b := &Builder{
		OutputDir:  d.OutputDir,
		Workers:    d.Workers,
		MaxSize:    d.MaxSize,
		Compress:   compress,
		StartIndex: d.StartIndex,
	}
	for _, in := range d.Inputs {
		if err := b.Preload(in); err != nil {
			return nil, err
		}
	}
	return b, nil
}
