// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package leveldb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/provtime/provtime/provtimed/registry"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// Record types for the dump journal.  Every dumped record is prefixed with
// a RecordType so a restore can simply replay the stream.
const (
	RecordTypeEntry = "entry"

	RecordTypeVersion = 1
)

// RecordType indicates what the next record is in a restore stream.
type RecordType struct {
	Version uint   `json:"version"` // Version of RecordType
	Type    string `json:"type"`    // Type of record
}

func dumpEntryHuman(f *os.File, e *registry.Entry) {
	state := "received"
	switch {
	case e.Anchored():
		state = "anchored"
	case e.ContentID != "":
		state = "published"
	}
	fmt.Fprintf(f, "%-10v %v %v\n", state, e.Digest,
		time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "  File     : %v (%v)\n", e.FileName, e.FileType)
	if e.ContentID != "" {
		fmt.Fprintf(f, "  ContentID: %v\n", e.ContentID)
	}
	if e.TxReference != "" {
		fmt.Fprintf(f, "  Tx       : %v\n", e.TxReference)
	}
	if e.AnchoredTimestamp != 0 {
		fmt.Fprintf(f, "  Anchored : %v\n",
			time.Unix(e.AnchoredTimestamp, 0).UTC().
				Format(time.RFC3339))
	}
}

func dumpEntryJSON(f *os.File, e *registry.Entry) error {
	encoder := json.NewEncoder(f)
	rt := RecordType{
		Version: RecordTypeVersion,
		Type:    RecordTypeEntry,
	}
	if err := encoder.Encode(rt); err != nil {
		return err
	}
	return encoder.Encode(e)
}

// Dump satisfies the registry interface.
func (l *LevelDB) Dump(f *os.File, human bool) error {
	l.RLock()
	defer l.RUnlock()

	iter := l.db.NewIterator(ldbutil.BytesPrefix([]byte(prefixDigest)),
		nil)
	defer iter.Release()
	for iter.Next() {
		var e registry.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return err
		}
		if human {
			dumpEntryHuman(f, &e)
			continue
		}
		if err := dumpEntryJSON(f, &e); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Restore satisfies the registry interface.  It replays a JSON dump stream
// through Upsert, rebuilding all indexes in the process.
func (l *LevelDB) Restore(f *os.File) error {
	decoder := json.NewDecoder(f)

	for {
		var rt RecordType
		err := decoder.Decode(&rt)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rt.Version != RecordTypeVersion {
			return fmt.Errorf("unsupported dump version: %v",
				rt.Version)
		}

		switch rt.Type {
		case RecordTypeEntry:
			var e registry.Entry
			if err := decoder.Decode(&e); err != nil {
				return err
			}
			if err := l.Upsert(e); err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid record type: %v", rt.Type)
		}
	}
}
