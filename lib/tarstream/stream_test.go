// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tarstream

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/bundleworker/lib/archive"
	"github.com/bureau-foundation/bundleworker/lib/testutil"
)

// memorySource serves payloads by relative entry name and records how
// it was used.
type memorySource struct {
	payloads  map[string]string
	readBytes int64
	reads     int
	closes    int
	failAfter int
}

func (m *memorySource) ReadAt(entry archive.Entry, offset, length int64) ([]byte, error) {
	m.reads++
	if m.failAfter > 0 && m.reads > m.failAfter {
		return nil, errors.New("connection reset")
	}
	payload := m.payloads[entry.Name]
	end := min(offset+length, int64(len(payload)))
	m.readBytes += end - offset
	return []byte(payload[offset:end]), nil
}

func (m *memorySource) Close() error {
	m.closes++
	return nil
}

var mtime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func regular(name, content string) archive.Entry {
	return archive.Entry{Name: name, Type: tar.TypeReg, Size: int64(len(content)), Mode: 0o640, MTime: mtime.UnixNano(), UID: 1000, GID: 1000}
}

// extract reads a tar stream fully and returns name -> content, plus
// the headers in order.
func extract(t *testing.T, r io.Reader) (map[string]string, []*tar.Header) {
	t.Helper()
	contents := map[string]string{}
	var headers []*tar.Header
	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar Next: %v", err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("reading %s: %v", header.Name, err)
		}
		contents[header.Name] = string(data)
		headers = append(headers, header)
	}
	return contents, headers
}

func TestSubtreeFromArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "0xfeed.tar.gz")

	// Only files: the subtree root and "b" exist as implicit
	// directories, so the synthesised stream carries exactly the two
	// files.
	var tarBuffer bytes.Buffer
	writer := tar.NewWriter(&tarBuffer)
	for name, content := range map[string]string{"a/1.txt": "one", "a/b/2.txt": "two", "other/3.txt": "three"} {
		writer.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o644, ModTime: mtime})
		writer.Write([]byte(content))
	}
	writer.Close()
	var archiveBytes bytes.Buffer
	index, err := archive.Write(&archiveBytes, tar.NewReader(&tarBuffer), archive.WriterOptions{BlockSize: 512})
	if err != nil {
		t.Fatalf("archive.Write: %v", err)
	}
	sidecar, err := archive.EncodeIndex(index)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archivePath, archiveBytes.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archivePath+archive.IndexSuffix, sidecar, 0o644); err != nil {
		t.Fatal(err)
	}

	stream, err := Open(context.Background(), archive.DefaultOpener{}, archive.Locator{BundlePath: archivePath, Subpath: "a"}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	contents, headers := extract(t, stream)
	if len(headers) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(headers), contents)
	}
	if contents["./1.txt"] != "one" || contents["./b/2.txt"] != "two" {
		t.Errorf("contents = %v", contents)
	}
}

func TestSubtreeFromDirectoryArchive(t *testing.T) {
	bundle := t.TempDir()
	testutil.WriteTree(t, bundle, map[string]string{
		"data/train/x.csv": strings.Repeat("1,2,3\n", 300),
		"data/train/y.csv": "label\n",
		"data/link":        "->train/x.csv",
		"data/empty/":      "",
		"src/main.py":      "print('hi')\n",
	})
	archivePath := filepath.Join(t.TempDir(), "0xbeef.tar.gz")
	if _, err := archive.CreateFromDirectory(archivePath, bundle, archive.WriterOptions{BlockSize: 300}); err != nil {
		t.Fatalf("CreateFromDirectory: %v", err)
	}

	locator, err := archive.ParseLocator(archivePath + "/data")
	if err != nil {
		t.Fatal(err)
	}
	stream, err := Open(context.Background(), archive.DefaultOpener{}, locator, Options{Quantum: 97})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	contents, headers := extract(t, stream)
	var names []string
	for _, header := range headers {
		names = append(names, header.Name)
	}
	want := []string{".", "./empty", "./link", "./train", "./train/x.csv", "./train/y.csv"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Errorf("names = %v, want %v", names, want)
	}
	if contents["./train/x.csv"] != strings.Repeat("1,2,3\n", 300) {
		t.Error("x.csv payload differs")
	}
	for _, header := range headers {
		switch header.Name {
		case "./link":
			if header.Typeflag != tar.TypeSymlink || header.Linkname != "train/x.csv" {
				t.Errorf("link header = %+v", header)
			}
		case ".", "./empty", "./train":
			if header.Typeflag != tar.TypeDir {
				t.Errorf("%s typeflag = %q, want directory", header.Name, header.Typeflag)
			}
		}
	}
}

func TestStreamLayout(t *testing.T) {
	source := &memorySource{payloads: map[string]string{"f": "12345"}}
	stream := New(source, []archive.Entry{regular("f", "12345")}, Options{})

	output, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// header + one padded payload block + two trailer blocks.
	if len(output) != 4*512 {
		t.Fatalf("stream is %d bytes, want %d", len(output), 4*512)
	}
	if !bytes.Equal(output[len(output)-1024:], make([]byte, 1024)) {
		t.Error("stream does not end with two zero blocks")
	}
	if string(output[512:517]) != "12345" || !bytes.Equal(output[517:1024], make([]byte, 507)) {
		t.Error("payload is not followed by zero padding")
	}

	_, headers := extract(t, bytes.NewReader(output))
	header := headers[0]
	if header.Name != "./f" || header.Mode != 0o640 || header.Uid != 1000 || !header.ModTime.Equal(mtime) {
		t.Errorf("header = %+v", header)
	}
}

func TestRootEntryNamedDot(t *testing.T) {
	source := &memorySource{payloads: map[string]string{"": "single file"}}
	stream := New(source, []archive.Entry{regular("", "single file")}, Options{})
	contents, _ := extract(t, stream)
	if contents["."] != "single file" {
		t.Errorf("contents = %v, want a single entry named .", contents)
	}
}

func TestQuantumAndReadSizeDoNotChangeOutput(t *testing.T) {
	payloads := map[string]string{
		"a":   strings.Repeat("a", 1500),
		"b/c": strings.Repeat("bc", 777),
		"d":   "",
	}
	entries := []archive.Entry{
		regular("a", payloads["a"]),
		{Name: "b", Type: tar.TypeDir, Mode: 0o755, MTime: mtime.UnixNano()},
		regular("b/c", payloads["b/c"]),
		regular("d", ""),
	}

	reference, err := io.ReadAll(New(&memorySource{payloads: payloads}, entries, Options{}))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	for _, quantum := range []int64{1, 7, 512, 10000} {
		for _, readSize := range []int{1, 100, 4096, 1 << 20} {
			source := &memorySource{payloads: payloads}
			stream := New(source, entries, Options{Quantum: quantum})
			var output bytes.Buffer
			buffer := make([]byte, readSize)
			for {
				n, err := stream.Read(buffer)
				output.Write(buffer[:n])
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("quantum %d read %d: %v", quantum, readSize, err)
				}
			}
			if !bytes.Equal(output.Bytes(), reference) {
				t.Errorf("quantum %d read %d: output differs from reference", quantum, readSize)
			}
			if source.readBytes != int64(len(payloads["a"])+len(payloads["b/c"])) {
				t.Errorf("quantum %d: read %d payload bytes from source", quantum, source.readBytes)
			}
			if quantum == 7 && source.reads < 1500/7 {
				t.Errorf("quantum 7 made only %d source reads", source.reads)
			}
		}
	}
}

func TestReadFillsRequestedSize(t *testing.T) {
	payload := strings.Repeat("x", 10000)
	stream := New(&memorySource{payloads: map[string]string{"big": payload}}, []archive.Entry{regular("big", payload)}, Options{Quantum: 100})
	buffer := make([]byte, 5000)
	n, err := stream.Read(buffer)
	if err != nil || n != 5000 {
		t.Fatalf("Read = %d, %v; want a full 5000-byte read", n, err)
	}
	cursor := stream.Cursor()
	if cursor.Index != 0 || !cursor.HeaderWritten || cursor.Offset < 5000-512 {
		t.Errorf("cursor = %+v after 5000 bytes", cursor)
	}
}

func TestSourceReleasedOnExhaustion(t *testing.T) {
	source := &memorySource{payloads: map[string]string{"f": "x"}}
	stream := New(source, []archive.Entry{regular("f", "x")}, Options{})
	if _, err := io.ReadAll(stream); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if source.closes != 1 {
		t.Errorf("source closed %d times at exhaustion, want 1", source.closes)
	}
	if n, err := stream.Read(make([]byte, 10)); n != 0 || err != io.EOF {
		t.Errorf("Read after EOF = %d, %v", n, err)
	}
	stream.Close()
	stream.Close()
	if source.closes != 1 {
		t.Errorf("source closed %d times in total, want 1", source.closes)
	}
}

func TestReadAfterClose(t *testing.T) {
	source := &memorySource{payloads: map[string]string{"f": "x"}}
	stream := New(source, []archive.Entry{regular("f", "x")}, Options{})
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.Read(make([]byte, 10)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read after Close error = %v, want ErrStreamClosed", err)
	}
	if source.closes != 1 {
		t.Errorf("source closed %d times, want 1", source.closes)
	}
}

func TestSourceErrorReleasesAndSticks(t *testing.T) {
	payload := strings.Repeat("z", 1000)
	source := &memorySource{payloads: map[string]string{"f": payload}, failAfter: 2}
	stream := New(source, []archive.Entry{regular("f", payload)}, Options{Quantum: 100})

	_, err := io.ReadAll(stream)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("ReadAll error = %v, want source failure", err)
	}
	if source.closes != 1 {
		t.Errorf("source closed %d times after failure, want 1", source.closes)
	}
	if _, again := stream.Read(make([]byte, 1)); again != err {
		t.Errorf("second Read error = %v, want the original %v", again, err)
	}
}

func TestTruncatedPayloadIsCorrupt(t *testing.T) {
	// The index claims 10 bytes but the source has 4.
	source := &memorySource{payloads: map[string]string{"f": "four"}}
	entry := regular("f", "four")
	entry.Size = 10
	_, err := io.ReadAll(New(source, []archive.Entry{entry}, Options{}))
	if !errors.Is(err, archive.ErrArchiveCorrupt) {
		t.Fatalf("error = %v, want ErrArchiveCorrupt", err)
	}
}

func TestOpenMissingSubpath(t *testing.T) {
	bundle := t.TempDir()
	testutil.WriteTree(t, bundle, map[string]string{"present": "x"})
	archivePath := filepath.Join(t.TempDir(), "0x01.tar.gz")
	if _, err := archive.CreateFromDirectory(archivePath, bundle, archive.WriterOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := Open(context.Background(), archive.DefaultOpener{}, archive.Locator{BundlePath: archivePath, Subpath: "absent"}, Options{})
	if !errors.Is(err, archive.ErrEntryNotFound) {
		t.Fatalf("Open error = %v, want ErrEntryNotFound", err)
	}
}

func TestCursorStepsReturnNewValues(t *testing.T) {
	start := Cursor{}
	withHeader := start.withHeader()
	advanced := withHeader.advanced(42)
	next := advanced.next()

	if start != (Cursor{}) {
		t.Errorf("withHeader mutated its receiver: %+v", start)
	}
	if !withHeader.HeaderWritten || withHeader.Offset != 0 {
		t.Errorf("withHeader = %+v", withHeader)
	}
	if advanced.Offset != 42 || !advanced.HeaderWritten {
		t.Errorf("advanced = %+v", advanced)
	}
	if next != (Cursor{Index: 1}) {
		t.Errorf("next = %+v", next)
	}
}
