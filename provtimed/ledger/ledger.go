// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger submits anchor transactions to an append-only anchor
// service and waits for inclusion.  The service is opaque; this client only
// knows the narrow submit, receipt, digest query and height interface it
// exposes.  Anchoring is best effort infrastructure: callers are expected
// to degrade rather than fail when the service is unreachable.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNetwork is returned when the anchor service cannot be reached.
	ErrNetwork = errors.New("ledger unavailable")

	// ErrSubmission is returned when the service rejects a transaction.
	ErrSubmission = errors.New("submission failed")

	// ErrConfirmationTimeout is returned when a submitted transaction is
	// not confirmed within the bounded wait.  The caller holds a valid
	// transaction reference and must re-poll later, never re-submit.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrTxNotFound is returned for an unknown transaction reference.
	ErrTxNotFound = errors.New("transaction not found")
)

// Receipt describes the inclusion state of a submitted transaction.
type Receipt struct {
	Tx            string `json:"tx"`
	Confirmations int32  `json:"confirmations"`
	BlockHeight   uint64 `json:"blockheight"`
	BlockTime     int64  `json:"blocktime"`
}

// DigestStatus is the service's authoritative answer to a read-only digest
// query.
type DigestStatus struct {
	Anchored bool   `json:"anchored"`
	Tx       string `json:"tx"`
}

// Config describes the anchor service connection.
type Config struct {
	// Host is the anchor service base URL.
	Host string

	// Confirmations is the inclusion depth required before a transaction
	// counts as confirmed.
	Confirmations int32

	// ConfirmTimeout bounds WaitConfirmed.  A slow ledger must not stall
	// request handling capacity indefinitely.
	ConfirmTimeout time.Duration

	// PollInterval is the receipt polling cadence during WaitConfirmed.
	PollInterval time.Duration

	// Timeout bounds individual service round trips.
	Timeout time.Duration
}

// Client is a narrow anchor service client.
type Client struct {
	cfg        Config
	signer     Signer
	httpClient *http.Client
}

// New returns an anchor client.  The signer is the injected signing
// capability; key custody is the caller's concern.
func New(cfg Config, signer Signer) *Client {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 2
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) url(route string) string {
	return strings.TrimSuffix(c.cfg.Host, "/") + route
}

// Height returns the current confirmed block height.  ErrNetwork is
// returned when the endpoint is unreachable; callers map this to their
// offline sentinel.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/v1/height"), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %v", ErrNetwork,
			resp.StatusCode)
	}

	var reply struct {
		Height uint64 `json:"height"`
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&reply); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return reply.Height, nil
}

// anchorRequest is the submit wire format.  The signature covers
// "digest:contentid" and proves possession of the anchoring key without the
// service ever seeing it.
type anchorRequest struct {
	Digest    string `json:"digest"`
	ContentID string `json:"contentid"`
	PublicKey string `json:"publickey"`
	Signature string `json:"signature"`
}

// Submit constructs, signs and submits an anchor transaction carrying the
// digest and content identifier.  It probes the service first so an
// unreachable ledger surfaces as ErrNetwork rather than ErrSubmission.
func (c *Client) Submit(ctx context.Context, digest, contentID string) (string, error) {
	// Fee and sequencing parameters come from the same endpoint as the
	// height probe; reachability failure here means the whole service is
	// down.
	if _, err := c.Height(ctx); err != nil {
		return "", err
	}

	ar := anchorRequest{
		Digest:    digest,
		ContentID: contentID,
	}
	if c.signer != nil {
		sig, err := c.signer.Sign([]byte(digest + ":" + contentID))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSubmission, err)
		}
		ar.PublicKey = c.signer.PublicKey()
		ar.Signature = sig
	}

	b, err := json.Marshal(ar)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/v1/anchor"), bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %v %s", ErrSubmission,
			resp.StatusCode, bytes.TrimSpace(body))
	}

	var reply struct {
		Tx string `json:"tx"`
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&reply); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	if reply.Tx == "" {
		return "", fmt.Errorf("%w: no transaction reference",
			ErrSubmission)
	}

	log.Infof("Submitted anchor: digest %v cid %v tx %v", digest,
		contentID, reply.Tx)

	return reply.Tx, nil
}

// Receipt looks up the inclusion state of a transaction reference.
func (c *Client) Receipt(ctx context.Context, tx string) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/v1/tx/"+tx), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, tx)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %v", ErrNetwork,
			resp.StatusCode)
	}

	var r Receipt
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return &r, nil
}

// WaitConfirmed blocks until the transaction reaches the required
// confirmation depth, the bounded wait elapses, or the context is
// canceled.  On timeout the transaction reference remains valid; the
// caller must re-poll later instead of re-submitting.
func (c *Client) WaitConfirmed(ctx context.Context, tx string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(ctx, tx)
		if err == nil && r.Confirmations >= c.cfg.Confirmations {
			log.Infof("Anchor confirmed: tx %v height %v", tx,
				r.BlockHeight)
			return r, nil
		}
		if err != nil && !errors.Is(err, ErrTxNotFound) &&
			!errors.Is(err, ErrNetwork) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimeout,
				tx)
		case <-ticker.C:
		}
	}
}

// Anchor submits a transaction and blocks until it confirms.  On
// confirmation timeout the submitted transaction reference is returned
// alongside the error so the caller can persist it and re-poll.
func (c *Client) Anchor(ctx context.Context, digest, contentID string) (string, *Receipt, error) {
	tx, err := c.Submit(ctx, digest, contentID)
	if err != nil {
		return "", nil, err
	}

	r, err := c.WaitConfirmed(ctx, tx)
	if err != nil {
		return tx, nil, err
	}
	return tx, r, nil
}

// DigestStatus performs the authoritative read-only "is this digest
// anchored" query against the service's contract state.  It is independent
// of anything cached locally.
func (c *Client) DigestStatus(ctx context.Context, digest string) (*DigestStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/v1/digest/"+digest), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %v", ErrNetwork,
			resp.StatusCode)
	}

	var ds DigestStatus
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return &ds, nil
}

// VerifyDigest reports whether the digest is anchored according to the
// ledger itself.
func (c *Client) VerifyDigest(ctx context.Context, digest string) (bool, error) {
	ds, err := c.DigestStatus(ctx, digest)
	if err != nil {
		return false, err
	}
	return ds.Anchored, nil
}
