// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package registry defines the durable local projection of anchored file
// records.  The registry is a cache and acceleration layer over the
// ledger's authoritative state; only the registry implementation may write
// to its backing store.
package registry

import (
	"errors"
	"os"
)

var (
	// ErrNotFound is returned when a lookup misses.  An empty store is a
	// valid state; queries against it return ErrNotFound or empty
	// results, never failures.
	ErrNotFound = errors.New("entry not found")
)

// Entry is one file record as it progresses through the pipeline
// lifecycle: digest-only at upload, published once ContentID is set, and
// anchored (terminal) once TxReference is set and Confirmed is true.
type Entry struct {
	FileName  string `json:"filename"`  // Original file name
	FileType  string `json:"filetype"`  // Normalized extension, leading dot
	Digest    string `json:"digest"`    // Hex SHA-256, primary key
	Timestamp int64  `json:"timestamp"` // Record creation, immutable

	ContentID   string `json:"contentid"`   // Set on publish
	TxReference string `json:"txreference"` // Set on submit, immutable after
	Confirmed   bool   `json:"confirmed"`   // Ledger acknowledged inclusion

	AnchoredTimestamp int64 `json:"anchoredtimestamp"` // Confirmation time
}

// Anchored returns true once the entry reached its terminal success state.
func (e *Entry) Anchored() bool {
	return e.TxReference != "" && e.Confirmed
}

// Registry is the durable index interface.  Implementations must serialize
// writes so concurrent uploads of identical bytes cannot produce divergent
// rows, must tolerate an absent backing store by creating it on first use,
// and must never regress a populated field to empty on upsert.
type Registry interface {
	// Upsert merges the entry into the store keyed by digest.
	// Last-write-wins per field; empty fields never overwrite populated
	// ones.  Safe to call repeatedly as a record progresses through
	// lifecycle stages.
	Upsert(Entry) error

	// GetByDigest returns the entry for a digest.
	GetByDigest(digest string) (*Entry, error)

	// GetByContentID returns the entry behind a content identifier.
	GetByContentID(cid string) (*Entry, error)

	// GetByName returns the entry for an original file name.
	GetByName(name string) (*Entry, error)

	// CountAnchored returns the number of entries in the terminal
	// anchored state.
	CountAnchored() (int, error)

	// RecentAnchored returns up to n anchored entries ordered by
	// confirmation time, newest first; ties resolve to insertion order.
	RecentAnchored(n int) ([]Entry, error)

	// Unconfirmed returns entries that are published but whose anchor
	// has not been confirmed yet, in no particular order.
	Unconfirmed() ([]Entry, error)

	// Dump writes the store contents to the provided file descriptor.
	// If human is true it pretty prints, otherwise it emits a JSON
	// stream suitable for Restore.
	Dump(f *os.File, human bool) error

	// Restore replays a Dump stream into the store.
	Restore(f *os.File) error

	// Close performs cleanup of the registry.
	Close()
}
