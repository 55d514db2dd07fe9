// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/provtime/provtime/provtimed/ledger"
	"github.com/provtime/provtime/provtimed/publisher"
	"github.com/provtime/provtime/provtimed/registry"
	"github.com/provtime/provtime/provtimed/registry/leveldb"
)

// storeStub is an in-memory content addressed store.
type storeStub struct {
	sync.Mutex
	objects map[string][]byte
	n       int
}

func (s *storeStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		if r.Method == http.MethodPost {
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(),
					http.StatusBadRequest)
				return
			}
			defer f.Close()
			payload, err := io.ReadAll(f)
			if err != nil {
				http.Error(w, err.Error(),
					http.StatusBadRequest)
				return
			}
			s.n++
			cid := fmt.Sprintf("Qm%044d", s.n)
			s.objects[cid] = payload
			json.NewEncoder(w).Encode(map[string]string{"Hash": cid})
			return
		}

		cid := strings.TrimPrefix(r.URL.Path, "/ipfs/")
		payload, ok := s.objects[cid]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(payload)
	})
}

// anchorStub is an in-memory anchor service.  Receipt confirmations ramp by
// one on every poll so confirmation waits terminate quickly.
type anchorStub struct {
	sync.Mutex
	offline bool
	submits int
	txs     map[string]*ledger.Receipt
	digests map[string]string // digest -> tx
}

func newAnchorStub() *anchorStub {
	return &anchorStub{
		txs:     make(map[string]*ledger.Receipt),
		digests: make(map[string]string),
	}
}

func (a *anchorStub) setOffline(offline bool) {
	a.Lock()
	a.offline = offline
	a.Unlock()
}

func (a *anchorStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Lock()
		defer a.Unlock()

		if a.offline {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}

		switch {
		case r.URL.Path == "/v1/height":
			json.NewEncoder(w).Encode(map[string]uint64{
				"height": 1000,
			})

		case r.URL.Path == "/v1/anchor":
			var req struct {
				Digest    string `json:"digest"`
				ContentID string `json:"contentid"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(),
					http.StatusBadRequest)
				return
			}
			a.submits++
			tx := "0x" + req.Digest[:16]
			a.txs[tx] = &ledger.Receipt{Tx: tx, BlockHeight: 1001,
				BlockTime: 1700000000}
			a.digests[req.Digest] = tx
			json.NewEncoder(w).Encode(map[string]string{"tx": tx})

		case strings.HasPrefix(r.URL.Path, "/v1/tx/"):
			tx := strings.TrimPrefix(r.URL.Path, "/v1/tx/")
			receipt, ok := a.txs[tx]
			if !ok {
				http.Error(w, "not found",
					http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(receipt)
			receipt.Confirmations++

		case strings.HasPrefix(r.URL.Path, "/v1/digest/"):
			digest := strings.TrimPrefix(r.URL.Path, "/v1/digest/")
			tx, ok := a.digests[digest]
			json.NewEncoder(w).Encode(ledger.DigestStatus{
				Anchored: ok,
				Tx:       tx,
			})

		default:
			http.Error(w, "bad route", http.StatusNotFound)
		}
	})
}

func testPipeline(t *testing.T) (*Pipeline, *anchorStub, registry.Registry) {
	t.Helper()

	store := &storeStub{objects: make(map[string][]byte)}
	storeSrv := httptest.NewServer(store.handler())
	t.Cleanup(storeSrv.Close)

	anchor := newAnchorStub()
	anchorSrv := httptest.NewServer(anchor.handler())
	t.Cleanup(anchorSrv.Close)

	reg, err := leveldb.New(filepath.Join(t.TempDir(), "registry"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	pub := publisher.New(publisher.Config{
		AddURL:     storeSrv.URL,
		GatewayURL: storeSrv.URL + "/ipfs",
	})
	ldg := ledger.New(ledger.Config{
		Host:           anchorSrv.URL,
		Confirmations:  2,
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, nil)

	return New(pub, ldg, reg), anchor, reg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const csvPayload = "id,name,value\n1,Alice,100\n2,Bob,200\n"

// TestSecureAndVerify drives a file through the full pipeline, verifies it,
// tampers with it and verifies the tamper is caught.
func TestSecureAndVerify(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	path := writeFile(t, "data.csv", csvPayload)
	res, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Anchored || res.TxReference == "" || res.ContentID == "" {
		t.Fatalf("secure incomplete: %v", spew.Sdump(res))
	}

	// Pristine file verifies.
	v := p.Verify(ctx, path, Claim{Digest: res.Digest})
	if !v.IsValid || !v.MatchesContent || !v.Anchored {
		t.Fatalf("pristine file rejected: %v", spew.Sdump(v))
	}

	// Append a row; the claim still names the original digest.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = f.WriteString("3,Charlie,999\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	v = p.Verify(ctx, path, Claim{Digest: res.Digest})
	if v.MatchesContent {
		t.Fatal("tampered file matched content")
	}
	if v.IsValid {
		t.Fatal("tampered file validated")
	}
	if v.Reason != ReasonDigestMismatch {
		t.Fatalf("expected %q, got %q", ReasonDigestMismatch, v.Reason)
	}
}

// TestSecureDuplicate re-uploads an anchored file and expects the stored
// transaction reference back without a second ledger submission.
func TestSecureDuplicate(t *testing.T) {
	p, anchor, _ := testPipeline(t)
	ctx := context.Background()

	path := writeFile(t, "data.csv", csvPayload)
	first, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}

	second, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if second.TxReference != first.TxReference ||
		second.ContentID != first.ContentID {
		t.Fatalf("duplicate diverged: %v vs %v", spew.Sdump(first),
			spew.Sdump(second))
	}
	if anchor.submits != 1 {
		t.Fatalf("expected 1 submission, got %v", anchor.submits)
	}
}

// TestSecureLedgerAlreadyAnchored covers a fresh registry whose digest is
// already on the ledger, e.g. after a registry wipe.  The ledger's own state
// must prevent a second anchor.
func TestSecureLedgerAlreadyAnchored(t *testing.T) {
	p, anchor, _ := testPipeline(t)
	ctx := context.Background()

	path := writeFile(t, "data.csv", csvPayload)
	res, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}

	anchor.Lock()
	anchor.digests[res.Digest] = "0xpreexisting"
	anchor.Unlock()

	// Second pipeline with an empty registry against the same services.
	reg2, err := leveldb.New(filepath.Join(t.TempDir(), "registry2"))
	if err != nil {
		t.Fatal(err)
	}
	defer reg2.Close()
	p2 := New(p.publisher, p.ledger, reg2)

	res2, err := p2.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Anchored || res2.TxReference != "0xpreexisting" {
		t.Fatalf("ledger state ignored: %v", spew.Sdump(res2))
	}
	if anchor.submits != 1 {
		t.Fatalf("expected 1 submission, got %v", anchor.submits)
	}
}

// TestSecureDegraded uploads while the ledger is down and expects a
// published but unanchored result, then retries once the ledger returns.
func TestSecureDegraded(t *testing.T) {
	p, anchor, reg := testPipeline(t)
	ctx := context.Background()
	anchor.setOffline(true)

	path := writeFile(t, "data.csv", csvPayload)
	res, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if res.Anchored || res.TxReference != "" {
		t.Fatalf("degraded result has ledger state: %v",
			spew.Sdump(res))
	}
	if res.ContentID == "" {
		t.Fatal("degraded result lost content id")
	}

	pending, err := reg.Unconfirmed()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %v", len(pending))
	}

	// Ledger comes back; the retry completes the anchor.
	anchor.setOffline(false)
	retried, err := p.RetryAnchor(ctx, res.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if !retried.Anchored || retried.TxReference == "" {
		t.Fatalf("retry did not anchor: %v", spew.Sdump(retried))
	}

	pending, err = reg.Unconfirmed()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending entry survived retry: %v", len(pending))
	}
}

// TestConfirmPending exercises the cron re-poll body directly.
func TestConfirmPending(t *testing.T) {
	p, anchor, reg := testPipeline(t)
	ctx := context.Background()
	anchor.setOffline(true)

	path := writeFile(t, "data.csv", csvPayload)
	res, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}

	anchor.setOffline(false)
	p.confirmPending()

	e, err := reg.GetByDigest(res.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Anchored() {
		t.Fatalf("re-poll did not anchor: %v", spew.Sdump(e))
	}
}

func TestVerifyClaimOnly(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	path := writeFile(t, "data.csv", csvPayload)
	res, err := p.Secure(ctx, path, "data.csv")
	if err != nil {
		t.Fatal(err)
	}

	// Digest-only claim resolves the content id through the registry.
	v := p.VerifyClaim(ctx, Claim{Digest: res.Digest})
	if !v.IsValid {
		t.Fatalf("claim rejected: %v", spew.Sdump(v))
	}

	// A wrong digest with the right content id fails the match.
	wrong := strings.Repeat("0", 64)
	v = p.VerifyClaim(ctx, Claim{Digest: wrong, ContentID: res.ContentID})
	if v.IsValid || v.MatchesContent {
		t.Fatalf("wrong digest accepted: %v", spew.Sdump(v))
	}
	if v.Reason != ReasonDigestMismatch {
		t.Fatalf("expected %q, got %q", ReasonDigestMismatch, v.Reason)
	}
}

func TestVerifyUnknownRecord(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	path := writeFile(t, "data.csv", csvPayload)
	v := p.Verify(ctx, path, Claim{Digest: strings.Repeat("a", 64)})
	if v.IsValid {
		t.Fatal("unknown record validated")
	}
	if v.Reason != ReasonRecordNotFound {
		t.Fatalf("expected %q, got %q", ReasonRecordNotFound, v.Reason)
	}

	// Empty claim.
	v = p.Verify(ctx, path, Claim{})
	if v.Reason != ReasonInvalidClaim {
		t.Fatalf("expected %q, got %q", ReasonInvalidClaim, v.Reason)
	}
}

func TestRetryAnchorErrors(t *testing.T) {
	p, _, reg := testPipeline(t)
	ctx := context.Background()

	_, err := p.RetryAnchor(ctx, strings.Repeat("b", 64))
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Hash-only entry: nothing to anchor yet.
	digest := strings.Repeat("c", 64)
	if err := reg.Upsert(registry.Entry{Digest: digest}); err != nil {
		t.Fatal(err)
	}
	_, err = p.RetryAnchor(ctx, digest)
	if !errors.Is(err, ErrNotPublished) {
		t.Fatalf("expected ErrNotPublished, got %v", err)
	}
}
