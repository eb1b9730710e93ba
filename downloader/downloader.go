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

// Package downloader discovers archive URLs on a dump
// index page and fetches them. It only feeds the builder;
// nothing here touches the warehouse contract.
package downloader

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/net/html"
)

// Downloader fetches dump archives listed on an index
// page.
type Downloader struct {
	// Workers bounds concurrent downloads. Values below 1
	// mean 1.
	Workers int
	// Client, if non-nil, replaces http.DefaultClient.
	Client *http.Client
	// Logf, if non-nil, receives progress. It must be safe
	// to call from multiple goroutines.
	Logf func(f string, args ...interface{})
}

func (d *Downloader) logf(f string, args ...interface{}) {
	if d.Logf != nil {
		d.Logf(f, args...)
	}
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// CollectLinks fetches indexURL, walks its anchor tags,
// and returns the absolute URLs whose href contains
// pattern (every link when pattern is empty). The result
// is deduplicated and sorted.
func (d *Downloader) CollectLinks(indexURL, pattern string) ([]string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, err
	}
	resp, err := d.client().Get(indexURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: %s", indexURL, resp.Status)
	}
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" || a.Val == "" {
					continue
				}
				if pattern != "" && !strings.Contains(a.Val, pattern) {
					continue
				}
				ref, err := url.Parse(a.Val)
				if err != nil {
					continue
				}
				seen[base.ResolveReference(ref).String()] = struct{}{}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}

// Download fetches every URL into dstDir with bounded
// parallelism. Each file lands under its URL base name; a
// temp sibling plus rename keeps a partial download from
// masquerading as a complete archive. The first error is
// returned after all downloads settle.
func (d *Downloader) Download(urls []string, dstDir string) error {
	if len(urls) == 0 {
		return errors.New("no urls to download")
	}
	if err := os.MkdirAll(dstDir, 0750); err != nil {
		return err
	}
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	errlist := make([]error, len(urls))
	var wg sync.WaitGroup
	wg.Add(len(urls))
	for i := range urls {
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errlist[i] = d.fetch(urls[i], dstDir)
		}(i)
	}
	wg.Wait()
	return combine(errlist)
}

func (d *Downloader) fetch(rawURL, dstDir string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return fmt.Errorf("cannot derive a file name from %s", rawURL)
	}
	resp, err := d.client().Get(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: %s", rawURL, resp.Status)
	}
	dst := filepath.Join(dstDir, name)
	tmp := dst + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, resp.Body)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	d.logf("downloaded %s", name)
	return nil
}

func combine(lst []error) error {
	var nonnull []error
	for i := range lst {
		if lst[i] != nil {
			nonnull = append(nonnull, lst[i])
		}
	}
	switch len(nonnull) {
	case 0:
		return nil
	case 1:
		return nonnull[0]
	default:
		return fmt.Errorf("%w (and %d more errors)", nonnull[0], len(nonnull)-1)
	}
}
