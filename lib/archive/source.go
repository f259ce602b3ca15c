// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Source is random access to archive or sidecar bytes.
type Source interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// Opener resolves a bundle path to a Source.
type Opener interface {
	Open(ctx context.Context, location string) (Source, error)
}

// DefaultOpener opens bare paths and file:// URLs from the local
// filesystem and http:// or https:// URLs with Range requests.
type DefaultOpener struct {
	// Client is used for HTTP sources. Nil means http.DefaultClient.
	Client *http.Client
}

// Open implements Opener. A missing file or an HTTP 404 wraps
// fs.ErrNotExist.
func (o DefaultOpener) Open(ctx context.Context, location string) (Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		client := o.Client
		if client == nil {
			client = http.DefaultClient
		}
		return OpenHTTP(ctx, client, location)
	case strings.HasPrefix(location, "file://"):
		return OpenFile(strings.TrimPrefix(location, "file://"))
	default:
		return OpenFile(location)
	}
}

// FileSource reads from a local file.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFile opens path as a Source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileSource{file: file, size: info.Size()}, nil
}

func (s *FileSource) ReadAt(p []byte, offset int64) (int, error) { return s.file.ReadAt(p, offset) }

func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) Close() error { return s.file.Close() }

// HTTPSource reads byte ranges from a URL. Every request is bound to
// the context passed to OpenHTTP.
type HTTPSource struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

// OpenHTTP issues a HEAD request to learn the object size.
func OpenHTTP(ctx context.Context, client *http.Client, url string) (*HTTPSource, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("HEAD %s: %w", url, err)
	}
	response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("HEAD %s: %w", url, fs.ErrNotExist)
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HEAD %s: unexpected status %s", url, response.Status)
	case response.ContentLength < 0:
		return nil, fmt.Errorf("HEAD %s: server did not report a length", url)
	}
	return &HTTPSource{ctx: ctx, client: client, url: url, size: response.ContentLength}, nil
}

// ReadAt fetches exactly the requested range. Reads past the end return
// the available bytes and io.EOF.
func (s *HTTPSource) ReadAt(p []byte, offset int64) (int, error) {
	if offset >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if offset+want > s.size {
		want = s.size - offset
	}
	if want == 0 {
		return 0, nil
	}

	request, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-"+strconv.FormatInt(offset+want-1, 10))
	response, err := s.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("GET %s range %d+%d: unexpected status %s", s.url, offset, want, response.Status)
	}

	n, err := io.ReadFull(response.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("GET %s range %d+%d: %w: %v", s.url, offset, want, errShortRead, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func (s *HTTPSource) Size() int64 { return s.size }

func (s *HTTPSource) Close() error { return nil }

// readAll reads a whole Source, used for index sidecars.
func readAll(source Source) ([]byte, error) {
	data := make([]byte, source.Size())
	n, err := source.ReadAt(data, 0)
	if n == len(data) {
		return data, nil
	}
	if err == nil {
		err = errShortRead
	}
	return nil, err
}
