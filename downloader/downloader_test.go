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

package downloader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const indexPage = `<html><body>
<a href="dump-history1.7z">part 1</a>
<a href="dump-history2.7z">part 2</a>
<a href="/abs/dump-history3.7z">part 3</a>
<a href="checksums.txt">checksums</a>
<a href="dump-history1.7z">duplicate</a>
</body></html>`

func TestCollectLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, indexPage)
	}))
	defer srv.Close()

	d := &Downloader{Logf: t.Logf}
	got, err := d.CollectLinks(srv.URL+"/dumps/", "history")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		srv.URL + "/abs/dump-history3.7z",
		srv.URL + "/dumps/dump-history1.7z",
		srv.URL + "/dumps/dump-history2.7z",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.7z" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "contents of %s", r.URL.Path)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "archives")
	d := &Downloader{Workers: 2, Logf: t.Logf}
	if err := d.Download([]string{srv.URL + "/a.7z", srv.URL + "/b.7z"}, dst); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.7z", "b.7z"} {
		body, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != "contents of /"+name {
			t.Errorf("%s: %q", name, body)
		}
	}

	// a failed URL surfaces as an error but does not stop
	// the good one, and leaves no partial file behind
	err := d.Download([]string{srv.URL + "/missing.7z", srv.URL + "/c.7z"}, dst)
	if err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := os.Stat(filepath.Join(dst, "c.7z")); err != nil {
		t.Error("good download did not complete:", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "missing.7z.partial")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}
