// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// rangeServer serves files from dir with Range support and counts the
// body bytes it sends.
func rangeServer(t *testing.T, dir string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var served atomic.Int64
	files := http.FileServer(http.Dir(dir))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files.ServeHTTP(&countingWriter{ResponseWriter: w, counter: &served}, r)
	}))
	t.Cleanup(server.Close)
	return server, &served
}

type countingWriter struct {
	http.ResponseWriter
	counter *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.counter.Add(int64(len(p)))
	return w.ResponseWriter.Write(p)
}

func TestHTTPSourceFetchesOnlyNeededBlocks(t *testing.T) {
	files := map[string]string{"small.txt": "hello"}
	for i := range 20 {
		files["bulk/"+strings.Repeat("f", i+1)] = strings.Repeat("payload", 400)
	}
	archivePath := buildArchive(t, files)
	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	server, served := rangeServer(t, filepath.Dir(archivePath))
	url := server.URL + "/" + filepath.Base(archivePath)

	reader, err := Open(context.Background(), DefaultOpener{Client: server.Client()}, url)
	if err != nil {
		t.Fatalf("Open over HTTP: %v", err)
	}
	defer reader.Close()

	afterIndex := served.Load()
	entry, err := reader.EntryInfo("small.txt")
	if err != nil {
		t.Fatalf("EntryInfo: %v", err)
	}
	data, err := reader.ReadAt(entry, 0, entry.Size)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadAt = %q, want hello", data)
	}

	fetched := served.Load() - afterIndex
	if fetched <= 0 || fetched >= archiveInfo.Size()/2 {
		t.Errorf("fetched %d archive bytes for a 5-byte file in a %d-byte archive", fetched, archiveInfo.Size())
	}
}

func TestHTTPSourceNotFound(t *testing.T) {
	server, _ := rangeServer(t, t.TempDir())
	_, err := DefaultOpener{Client: server.Client()}.Open(context.Background(), server.URL+"/missing.tar.gz")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open error = %v, want fs.ErrNotExist", err)
	}
}

func TestDefaultOpenerFileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}
	source, err := DefaultOpener{}.Open(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer source.Close()
	if source.Size() != 6 {
		t.Errorf("Size() = %d, want 6", source.Size())
	}
	buffer := make([]byte, 3)
	if _, err := source.ReadAt(buffer, 2); err != nil || string(buffer) != "cde" {
		t.Errorf("ReadAt = %q, %v", buffer, err)
	}
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		input   string
		want    Locator
		wantErr bool
	}{
		{"/store/0xab.tar.gz", Locator{BundlePath: "/store/0xab.tar.gz"}, false},
		{"/store/0xab.tar.gz/a/b", Locator{BundlePath: "/store/0xab.tar.gz", Subpath: "a/b"}, false},
		{"https://host/bundles/0xab.tar.gz/data/", Locator{BundlePath: "https://host/bundles/0xab.tar.gz", Subpath: "data"}, false},
		{"file:///srv/0xab.tar.gz/x.tar.gz/y", Locator{BundlePath: "file:///srv/0xab.tar.gz", Subpath: "x.tar.gz/y"}, false},
		{"0xab.tar.gz", Locator{BundlePath: "0xab.tar.gz"}, false},
		{"/store/0xab/file", Locator{}, true},
	}
	for _, test := range tests {
		got, err := ParseLocator(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseLocator(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseLocator(%q) = %+v, want %+v", test.input, got, test.want)
		}
		if !test.wantErr {
			if again, _ := ParseLocator(got.String()); again != got {
				t.Errorf("ParseLocator(%q).String() does not round-trip: %+v", test.input, again)
			}
		}
	}
}
