// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testDigest = "360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480"

// testStore is an in-memory content addressed store speaking the add and
// gateway wire formats.
func testStore(t *testing.T, records map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v0/add":
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer f.Close()
			var rec Record
			if err := json.NewDecoder(f).Decode(&rec); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			cid := "QmPK1s3pNYLi9ERiq3BDxKa4XosgWwFRQUydHUtz4YgpqB"
			payload, _ := json.Marshal(rec)
			records[cid] = payload
			json.NewEncoder(w).Encode(map[string]string{"Hash": cid})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ipfs/"):
			cid := strings.TrimPrefix(r.URL.Path, "/ipfs/")
			payload, ok := records[cid]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		AddURL:     srv.URL + "/api/v0/add",
		GatewayURL: srv.URL + "/ipfs/",
		Timeout:    5 * time.Second,
	})
}

func TestPublishFetchRoundTrip(t *testing.T) {
	records := make(map[string][]byte)
	srv := testStore(t, records)
	defer srv.Close()

	c := newTestClient(srv)
	rec := Record{
		FileName:  "data.csv",
		FileType:  ".csv",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Digest:    testDigest,
	}

	cid, err := c.Publish(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if cid == "" {
		t.Fatal("empty content id")
	}

	got, err := c.Fetch(context.Background(), cid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest != rec.Digest || got.FileName != rec.FileName ||
		got.FileType != rec.FileType {
		t.Fatalf("fetched record differs: %+v != %+v", got, rec)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := testStore(t, make(map[string][]byte))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Fetch(context.Background(),
		"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := New(Config{
		AddURL:     srv.URL,
		GatewayURL: srv.URL,
	})
	_, err := c.Fetch(context.Background(), "whatever")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestFetchRejectsBadDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Record{
			FileName: "data.csv",
			FileType: ".csv",
			Digest:   "nothex",
		})
	}))
	defer srv.Close()

	c := New(Config{GatewayURL: srv.URL})
	_, err := c.Fetch(context.Background(), "whatever")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestPublishStoreDown(t *testing.T) {
	srv := testStore(t, make(map[string][]byte))
	srv.Close() // down before first request

	c := newTestClient(srv)
	_, err := c.Publish(context.Background(), Record{
		FileName: "data.csv",
		Digest:   testDigest,
	})
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}

func TestPublishAuthToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"IpfsHash": "QmPK1s3pNYLi9ERiq3BDxKa4XosgWwFRQUydHUtz4YgpqB"})
	}))
	defer srv.Close()

	c := New(Config{
		AddURL:     srv.URL,
		GatewayURL: srv.URL,
		AuthToken:  "sekrit",
	})
	cid, err := c.Publish(context.Background(), Record{
		FileName: "data.csv",
		Digest:   testDigest,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cid != "QmPK1s3pNYLi9ERiq3BDxKa4XosgWwFRQUydHUtz4YgpqB" {
		t.Fatalf("unexpected cid %v", cid)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("bearer token not sent, got %q", gotAuth)
	}
}
