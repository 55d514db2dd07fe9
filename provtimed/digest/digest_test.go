// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package digest

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// The reference scenario: SHA-256 of a small csv payload.
const (
	csvPayload = "id,name,value\n1,Alice,100\n2,Bob,200"
)

func TestDeterminism(t *testing.T) {
	blob := make([]byte, 3*chunkSize+17)
	if _, err := rand.Read(blob); err != nil {
		t.Fatal(err)
	}

	want, err := Reader(bytes.NewReader(blob))
	if err != nil {
		t.Fatal(err)
	}

	// Same bytes, different chunk boundaries.  iotest style one byte
	// reader exercises the accumulation path.
	got, err := Reader(oneByteReader{bytes.NewReader(blob)})
	if err != nil {
		t.Fatal(err)
	}
	if want != got {
		t.Fatalf("digest differs across chunk boundaries: %v != %v",
			want, got)
	}

	// And again, same reader type.
	got2, err := Reader(bytes.NewReader(blob))
	if err != nil {
		t.Fatal(err)
	}
	if want != got2 {
		t.Fatalf("digest not deterministic: %v != %v", want, got2)
	}
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestAvalanche(t *testing.T) {
	blob := []byte(csvPayload)
	want, err := Reader(bytes.NewReader(blob))
	if err != nil {
		t.Fatal(err)
	}

	for i := range blob {
		mutated := make([]byte, len(blob))
		copy(mutated, blob)
		mutated[i] ^= 0x01

		got, err := Reader(bytes.NewReader(mutated))
		if err != nil {
			t.Fatal(err)
		}
		if got == want {
			t.Fatalf("byte flip at %v did not change digest", i)
		}
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "data.csv")
	err := os.WriteFile(filename, []byte(csvPayload), 0600)
	if err != nil {
		t.Fatal(err)
	}

	d, err := File(filename)
	if err != nil {
		t.Fatal(err)
	}

	want, err := Reader(bytes.NewReader([]byte(csvPayload)))
	if err != nil {
		t.Fatal(err)
	}
	if d != want {
		t.Fatalf("file digest mismatch: %v != %v", d, want)
	}

	// Round trip through the text representation.
	d2, err := New(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if d != d2 {
		t.Fatalf("hex round trip mismatch: %v != %v", d, d2)
	}
}

func TestFileNotFound(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nonexistent"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReaderIOError(t *testing.T) {
	_, err := Reader(failingReader{})
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("device gone")
}

func TestNewRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"abcd",
		"zz0f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480",
		"360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f25414",
	}
	for _, s := range tests {
		if _, err := New(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}
