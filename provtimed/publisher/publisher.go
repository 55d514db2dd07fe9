// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package publisher serializes provenance records and pins them to a
// content addressed store.  The store assigns a content identifier in
// exchange for the bytes; callers must never trust that identifier alone
// and always re-validate the embedded digest after a fetch.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/provtime/provtime/provtimed/digest"
)

var (
	// ErrPublish is returned when the store rejects or fails a publish.
	// The caller holds a hash-only record and may retry.
	ErrPublish = errors.New("publish failed")

	// ErrNotFound is returned when a content identifier does not
	// resolve.
	ErrNotFound = errors.New("record not found")

	// ErrDecode is returned when a resolved payload is not a well formed
	// provenance record.
	ErrDecode = errors.New("malformed record")
)

// Record is the metadata payload pinned to the content store.  The JSON
// field names are the on-store wire format and must not change; third
// parties decode these records independently.
type Record struct {
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	Timestamp time.Time `json:"timestamp"`
	Digest    string    `json:"sha256_hash"`
}

// Valid performs structural validation of a fetched record.
func (r *Record) Valid() error {
	if r.FileName == "" {
		return fmt.Errorf("%w: empty file name", ErrDecode)
	}
	if _, err := digest.New(r.Digest); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// Config describes how to reach the content store.
type Config struct {
	// AddURL is the store's add/pin endpoint, e.g. an IPFS node's
	// /api/v0/add.
	AddURL string

	// GatewayURL is the read path prefix; the content identifier is
	// appended to it.
	GatewayURL string

	// AuthToken, if set, is sent as a bearer token on publishes.  Pinning
	// services require one; a local node does not.
	AuthToken string

	// Timeout bounds individual store round trips.
	Timeout time.Duration
}

// Client talks to a content addressed store.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a content store client for the provided configuration.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// addReply is the store's answer to a publish.  Local nodes answer with
// Hash, pinning services with IpfsHash.
type addReply struct {
	Hash     string `json:"Hash"`
	IpfsHash string `json:"IpfsHash"`
}

// Publish serializes the record and submits it to the store.  It returns
// the store assigned content identifier.
func (c *Client) Publish(ctx context.Context, r Record) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}

	// The store expects a multipart upload with a single file part.
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "metadata.json")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if _, err = part.Write(payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if err = mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AddURL, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: store answered %v %s", ErrPublish,
			resp.StatusCode, bytes.TrimSpace(b))
	}

	var ar addReply
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&ar); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}

	cid := ar.Hash
	if cid == "" {
		cid = ar.IpfsHash
	}
	if cid == "" {
		return "", fmt.Errorf("%w: store did not return a content id",
			ErrPublish)
	}

	log.Debugf("Published record %v: %v", r.Digest, cid)

	return cid, nil
}

// Fetch retrieves and decodes the record behind a content identifier.  It
// is idempotent and side effect free.
func (c *Client) Fetch(ctx context.Context, cid string) (*Record, error) {
	u := strings.TrimSuffix(c.cfg.GatewayURL, "/") + "/" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrNotFound, cid)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: gateway answered %v", ErrNotFound,
			resp.StatusCode)
	}

	var r Record
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	if err := decoder.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := r.Valid(); err != nil {
		return nil, err
	}

	return &r, nil
}
