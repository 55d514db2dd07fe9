// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package leveldb implements the registry on top of a single leveldb
// database.  Entries live under a digest keyspace with reverse indexes for
// file name and content identifier, plus an ordered index over anchor
// confirmation times that drives the recent activity view.
package leveldb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/provtime/provtime/provtimed/registry"
	ldb "github.com/syndtr/goleveldb/leveldb"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes.  The anchored index key encodes the confirmation timestamp
// followed by the complement of an insertion sequence so that a reverse
// iteration yields newest first with ties in insertion order.
const (
	prefixDigest    = "d/"
	prefixName      = "n/"
	prefixContentID = "c/"
	prefixAnchored  = "a/"
	prefixPending   = "u/"

	seqKey = "m/seq"
)

var _ registry.Registry = (*LevelDB)(nil)

// LevelDB is the durable registry implementation.  All writes are
// serialized under the write lock, which provides the per-digest upsert
// atomicity the pipeline relies on.
type LevelDB struct {
	sync.RWMutex

	root string
	db   *ldb.DB

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

// New opens, creating if necessary, the registry database at root.
func New(root string) (*LevelDB, error) {
	db, err := ldb.OpenFile(root, nil)
	if err != nil {
		return nil, err
	}

	log.Debugf("Registry: %v", root)

	return &LevelDB{
		root:  root,
		db:    db,
		myNow: time.Now,
	}, nil
}

func anchoredKey(ts int64, seq uint32) []byte {
	return []byte(fmt.Sprintf("%v%020d/%010d", prefixAnchored, ts,
		math.MaxUint32-seq))
}

// nextSeq increments and returns the insertion sequence counter.
//
// Must be called with the WRITE lock held.
func (l *LevelDB) nextSeq() (uint32, error) {
	var seq uint32
	b, err := l.db.Get([]byte(seqKey), nil)
	if err == nil {
		seq = binary.LittleEndian.Uint32(b)
	} else if !errors.Is(err, ldb.ErrNotFound) {
		return 0, err
	}
	seq++
	nb := make([]byte, 4)
	binary.LittleEndian.PutUint32(nb, seq)
	if err := l.db.Put([]byte(seqKey), nb, nil); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *LevelDB) getEntry(key []byte) (*registry.Entry, error) {
	payload, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, ldb.ErrNotFound) {
			return nil, registry.ErrNotFound
		}
		return nil, err
	}
	var e registry.Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// merge folds the update into the existing entry.  Populated fields are
// never regressed to empty and Confirmed never flips back to false.
func merge(old *registry.Entry, update registry.Entry) registry.Entry {
	if old == nil {
		return update
	}
	m := *old
	if update.FileName != "" {
		m.FileName = update.FileName
	}
	if update.FileType != "" {
		m.FileType = update.FileType
	}
	if update.ContentID != "" {
		m.ContentID = update.ContentID
	}
	// Ledger entries are not revocable; the reference is immutable once
	// set.
	if m.TxReference == "" {
		m.TxReference = update.TxReference
	}
	if update.Timestamp != 0 && m.Timestamp == 0 {
		m.Timestamp = update.Timestamp
	}
	if update.Confirmed {
		m.Confirmed = true
	}
	if update.AnchoredTimestamp != 0 && m.AnchoredTimestamp == 0 {
		m.AnchoredTimestamp = update.AnchoredTimestamp
	}
	return m
}

// Upsert satisfies the registry interface.
func (l *LevelDB) Upsert(e registry.Entry) error {
	if e.Digest == "" {
		return fmt.Errorf("upsert: empty digest")
	}

	l.Lock()
	defer l.Unlock()

	old, err := l.getEntry([]byte(prefixDigest + e.Digest))
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	m := merge(old, e)
	if m.Timestamp == 0 {
		m.Timestamp = l.myNow().Unix()
	}
	if m.Anchored() && m.AnchoredTimestamp == 0 {
		m.AnchoredTimestamp = l.myNow().Unix()
	}

	batch := new(ldb.Batch)

	// Maintain the anchored and pending indexes across the lifecycle
	// transition.
	wasAnchored := old != nil && old.Anchored()
	if m.Anchored() && !wasAnchored {
		seq, err := l.nextSeq()
		if err != nil {
			return err
		}
		batch.Put(anchoredKey(m.AnchoredTimestamp, seq),
			[]byte(m.Digest))
		batch.Delete([]byte(prefixPending + m.Digest))
	} else if !m.Anchored() && m.ContentID != "" {
		batch.Put([]byte(prefixPending+m.Digest), nil)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	batch.Put([]byte(prefixDigest+m.Digest), payload)
	if m.FileName != "" {
		batch.Put([]byte(prefixName+m.FileName), []byte(m.Digest))
	}
	if m.ContentID != "" {
		batch.Put([]byte(prefixContentID+m.ContentID), []byte(m.Digest))
	}

	return l.db.Write(batch, nil)
}

// GetByDigest satisfies the registry interface.
func (l *LevelDB) GetByDigest(digest string) (*registry.Entry, error) {
	l.RLock()
	defer l.RUnlock()

	return l.getEntry([]byte(prefixDigest + digest))
}

// lookupIndirect resolves a secondary index key to its entry.
//
// Must be called with the READ lock held.
func (l *LevelDB) lookupIndirect(key []byte) (*registry.Entry, error) {
	digest, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, ldb.ErrNotFound) {
			return nil, registry.ErrNotFound
		}
		return nil, err
	}
	return l.getEntry([]byte(prefixDigest + string(digest)))
}

// GetByContentID satisfies the registry interface.
func (l *LevelDB) GetByContentID(cid string) (*registry.Entry, error) {
	l.RLock()
	defer l.RUnlock()

	return l.lookupIndirect([]byte(prefixContentID + cid))
}

// GetByName satisfies the registry interface.
func (l *LevelDB) GetByName(name string) (*registry.Entry, error) {
	l.RLock()
	defer l.RUnlock()

	return l.lookupIndirect([]byte(prefixName + name))
}

// CountAnchored satisfies the registry interface.
func (l *LevelDB) CountAnchored() (int, error) {
	l.RLock()
	defer l.RUnlock()

	count := 0
	iter := l.db.NewIterator(ldbutil.BytesPrefix([]byte(prefixAnchored)),
		nil)
	for iter.Next() {
		count++
	}
	iter.Release()
	return count, iter.Error()
}

// RecentAnchored satisfies the registry interface.
func (l *LevelDB) RecentAnchored(n int) ([]registry.Entry, error) {
	l.RLock()
	defer l.RUnlock()

	entries := make([]registry.Entry, 0, n)
	iter := l.db.NewIterator(ldbutil.BytesPrefix([]byte(prefixAnchored)),
		nil)
	defer iter.Release()

	// The anchored index sorts oldest first; walk it backwards.
	for ok := iter.Last(); ok && len(entries) < n; ok = iter.Prev() {
		e, err := l.getEntry([]byte(prefixDigest +
			string(iter.Value())))
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Unconfirmed satisfies the registry interface.
func (l *LevelDB) Unconfirmed() ([]registry.Entry, error) {
	l.RLock()
	defer l.RUnlock()

	var entries []registry.Entry
	iter := l.db.NewIterator(ldbutil.BytesPrefix([]byte(prefixPending)),
		nil)
	defer iter.Release()
	for iter.Next() {
		digest := string(iter.Key()[len(prefixPending):])
		e, err := l.getEntry([]byte(prefixDigest + digest))
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Close satisfies the registry interface.
func (l *LevelDB) Close() {
	// Block until the last command is complete.
	l.Lock()
	defer l.Unlock()
	defer log.Infof("Exiting")

	l.db.Close()
}
