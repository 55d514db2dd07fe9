// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package digest computes the deterministic SHA-256 fingerprint that
// correlates local state, the content store and the ledger.  Input is
// processed in fixed size chunks so memory stays bounded regardless of file
// size.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Size is the length of a digest in bytes.
const Size = sha256.Size

// chunkSize is the read granularity of the streaming hasher.
const chunkSize = 4096

var (
	// ErrNotFound is returned when the input source does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrIO is returned on a read failure mid stream.  A partial digest
	// is never returned.
	ErrIO = errors.New("read failure")
)

// Digest is a fixed length fingerprint of a byte stream.
type Digest [Size]byte

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// New converts the text representation of a digest into a Digest.  The
// input must be exactly 64 hex characters.
func New(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest: %v", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("invalid digest length: %v", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Reader streams r through the hasher in fixed size chunks and returns the
// resulting digest.  Identical byte sequences always produce identical
// digests, independent of how reads are chunked.
func Reader(r io.Reader) (Digest, error) {
	var d Digest

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Hash writes never fail.
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	copy(d[:], h.Sum(nil))
	return d, nil
}

// File returns the digest of the named file.  ErrNotFound is returned if
// the file does not exist.
func File(filename string) (Digest, error) {
	var d Digest

	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return d, fmt.Errorf("%w: %v", ErrNotFound, filename)
		}
		return d, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	return Reader(f)
}
