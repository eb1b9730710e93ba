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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/warkive/warkive/builder"
	"github.com/warkive/warkive/decomp"
	"github.com/warkive/warkive/downloader"
	"github.com/warkive/warkive/reader"
)

var (
	dashv      bool
	dasho      string
	dashj      int
	dashm      int64
	dashdef    string
	dashstart  int
	nocompress bool
)

const (
	mega = 1024 * 1024
	giga = 1024 * mega
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dasho, "o", "output", "output directory")
	flag.IntVar(&dashj, "j", 1, "worker pool size")
	flag.Int64Var(&dashm, "m", 8*giga, "warehouse payload size cap in bytes")
	flag.StringVar(&dashdef, "def", "", "pipeline definition file (json or yaml)")
	flag.IntVar(&dashstart, "start", 0, "starting warehouse index")
	flag.BoolVar(&nocompress, "nocompress", false, "do not compress sealed warehouses")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		log.Printf(f, args...)
	}
}

func usage() {
	exitf(`usage: warkive [flags] <command> args...

commands:
  build <archive|dir> ...      build warehouses from dump archives
  decompress <file|dir> ...    bulk-expand 7z/zst/bz2 files into -o
  unpack <warehouse-dir>       decompress warehouse payloads into -o
  glimpse <warehouse-dir>      show the first record of a random warehouse
  download <index-url> <pattern> [dir]
                               fetch matching archive links from an index page
`)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "build":
		build(args)
	case "decompress":
		decompress(args)
	case "unpack":
		unpack(args)
	case "glimpse":
		glimpse(args)
	case "download":
		download(args)
	default:
		usage()
	}
}

func build(args []string) {
	var b *builder.Builder
	if dashdef != "" {
		def, err := builder.OpenDefinition(dashdef)
		if err != nil {
			exitf("opening definition: %s\n", err)
		}
		b, err = def.Builder()
		if err != nil {
			exitf("loading definition inputs: %s\n", err)
		}
	} else {
		if len(args) == 0 {
			usage()
		}
		b = &builder.Builder{
			OutputDir:  dasho,
			Workers:    dashj,
			MaxSize:    dashm,
			Compress:   !nocompress,
			StartIndex: dashstart,
		}
		for _, path := range args {
			if err := b.Preload(path); err != nil {
				exitf("preload %s: %s\n", path, err)
			}
		}
	}
	b.Logf = log.Printf
	if err := b.Build(); err != nil {
		exitf("build: %s\n", err)
	}
}

func decompress(args []string) {
	if len(args) == 0 {
		usage()
	}
	d := &decomp.Decompressor{Workers: dashj, Logf: log.Printf}
	for _, path := range args {
		if err := d.Preload(path); err != nil {
			exitf("preload %s: %s\n", path, err)
		}
	}
	if err := d.Start(dasho); err != nil {
		exitf("decompress: %s\n", err)
	}
}

func unpack(args []string) {
	if len(args) != 1 {
		usage()
	}
	r := &reader.Reader{OutputDir: dasho, Workers: dashj, Logf: log.Printf}
	if err := r.Preload(args[0]); err != nil {
		exitf("preload %s: %s\n", args[0], err)
	}
	if err := r.Decompress(); err != nil {
		exitf("unpack: %s\n", err)
	}
}

func glimpse(args []string) {
	if len(args) != 1 {
		usage()
	}
	r := &reader.Reader{Workers: 1, Logf: logf}
	if err := r.Preload(args[0]); err != nil {
		exitf("preload %s: %s\n", args[0], err)
	}
	first, shape, err := r.Glimpse()
	if err != nil {
		exitf("glimpse: %s\n", err)
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(first); err != nil {
		exitf("encode: %s\n", err)
	}
	if err := out.Encode(shape); err != nil {
		exitf("encode: %s\n", err)
	}
}

func download(args []string) {
	if len(args) < 2 || len(args) > 3 {
		usage()
	}
	dstDir := dasho
	if len(args) == 3 {
		dstDir = args[2]
	}
	d := &downloader.Downloader{Workers: dashj, Logf: log.Printf}
	links, err := d.CollectLinks(args[0], args[1])
	if err != nil {
		exitf("collect: %s\n", err)
	}
	if len(links) == 0 {
		exitf("no links matching %q at %s\n", args[1], args[0])
	}
	logf("downloading %d file(s)", len(links))
	if err := d.Download(links, dstDir); err != nil {
		exitf("download: %s\n", err)
	}
}
