// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pipeline drives the hash, publish, anchor sequence for uploaded
// files and produces compound verdicts for verification claims.  Digest and
// publish failures abort an upload; ledger failures degrade, leaving the
// record published and the anchor to a later retry.  Verification never
// raises: every outcome is a verdict with a machine readable reason.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/provtime/provtime/provtimed/digest"
	"github.com/provtime/provtime/provtimed/ledger"
	"github.com/provtime/provtime/provtimed/publisher"
	"github.com/provtime/provtime/provtimed/registry"
	"github.com/robfig/cron"
)

// Machine readable reasons for negative verdicts.
const (
	ReasonInvalidClaim   = "invalid claim"
	ReasonDigestFailure  = "digest failure"
	ReasonRecordNotFound = "record not found"
	ReasonFetchFailure   = "fetch failure"
	ReasonDigestMismatch = "digest mismatch"
	ReasonNotAnchored    = "not anchored"
)

var (
	// ErrNotPublished is returned when an anchor retry is requested for
	// a digest that never made it to the content store.
	ErrNotPublished = errors.New("digest not published")

	// confirmSchedule drives the periodic re-poll of submitted but
	// unconfirmed anchors.
	//
	// Seconds Minutes Hours Days Months DayOfWeek
	confirmSchedule = "30 */5 * * * *" // every five minutes
)

// Claim is a provenance assertion to verify.  At least one field must be
// set.
type Claim struct {
	Digest    string
	ContentID string
}

// Verdict is the compound verification result.  IsValid requires both a
// content match and a confirmed anchor; either alone proves nothing.
type Verdict struct {
	MatchesContent bool
	Anchored       bool
	IsValid        bool
	Reason         string
}

// SecureResult reports how far an upload made it through the pipeline.
// TxReference empty with Anchored false is the degraded ledger-offline
// sentinel.
type SecureResult struct {
	FileName    string
	Digest      string
	ContentID   string
	TxReference string
	Anchored    bool
}

// Pipeline wires the digest engine, publisher, ledger client and registry
// together.  Instances are safe for concurrent use; the registry is the
// only shared mutable state and serializes its own writes.
type Pipeline struct {
	publisher *publisher.Client
	ledger    *ledger.Client
	registry  registry.Registry

	cron  *cron.Cron
	myNow func() time.Time
}

// New returns a pipeline over the provided collaborators.
func New(p *publisher.Client, l *ledger.Client, r registry.Registry) *Pipeline {
	return &Pipeline{
		publisher: p,
		ledger:    l,
		registry:  r,
		cron:      cron.New(),
		myNow:     time.Now,
	}
}

// Start launches the periodic anchor confirmation re-poll.  An empty
// schedule uses the default.
func (p *Pipeline) Start(schedule string) error {
	if schedule == "" {
		schedule = confirmSchedule
	}
	err := p.cron.AddFunc(schedule, func() {
		p.confirmPending()
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Close stops background work.
func (p *Pipeline) Close() {
	p.cron.Stop()
}

// normalizeType returns the lowercase file extension including the leading
// separator.
func normalizeType(fileName string) string {
	return strings.ToLower(filepath.Ext(fileName))
}

// Secure drives an uploaded file through the full pipeline.  Each stage
// persists its progress so a partial failure resumes from the last
// completed field instead of restarting from scratch.
func (p *Pipeline) Secure(ctx context.Context, path, fileName string) (*SecureResult, error) {
	d, err := digest.File(path)
	if err != nil {
		return nil, err
	}
	ds := d.String()

	res := &SecureResult{
		FileName: fileName,
		Digest:   ds,
	}

	// Short circuit: an already confirmed digest returns the existing
	// transaction reference, never a second ledger entry.
	old, err := p.registry.GetByDigest(ds)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	if old != nil && old.Anchored() {
		log.Infof("Secure %v: already anchored tx %v", ds,
			old.TxReference)
		res.ContentID = old.ContentID
		res.TxReference = old.TxReference
		res.Anchored = true
		return res, nil
	}

	now := p.myNow().UTC()
	err = p.registry.Upsert(registry.Entry{
		FileName:  fileName,
		FileType:  normalizeType(fileName),
		Digest:    ds,
		Timestamp: now.Unix(),
	})
	if err != nil {
		return nil, err
	}

	// Publish, or reuse the content id from an earlier partial run.
	if old != nil && old.ContentID != "" {
		res.ContentID = old.ContentID
	} else {
		cid, err := p.publisher.Publish(ctx, publisher.Record{
			FileName:  fileName,
			FileType:  normalizeType(fileName),
			Timestamp: now,
			Digest:    ds,
		})
		if err != nil {
			return nil, err
		}
		err = p.registry.Upsert(registry.Entry{
			Digest:    ds,
			ContentID: cid,
		})
		if err != nil {
			return nil, err
		}
		res.ContentID = cid
	}

	// Anchoring is best effort; the record is durably published at this
	// point and a failed anchor is retried later.
	entry, err := p.registry.GetByDigest(ds)
	if err != nil {
		return nil, err
	}
	res.TxReference, res.Anchored = p.anchorEntry(ctx, entry)

	return res, nil
}

// anchorEntry submits and/or confirms the anchor for a published entry.
// It returns the transaction reference, if any, and whether confirmation
// was reached.  All ledger failures are downgraded to a degraded result.
func (p *Pipeline) anchorEntry(ctx context.Context, e *registry.Entry) (string, bool) {
	tx := e.TxReference
	if tx == "" {
		// Consult the ledger's own state first so the same digest is
		// never anchored twice.
		if st, err := p.ledger.DigestStatus(ctx, e.Digest); err == nil &&
			st.Anchored {
			p.confirm(e.Digest, st.Tx, 0)
			return st.Tx, true
		}

		var err error
		tx, err = p.ledger.Submit(ctx, e.Digest, e.ContentID)
		if err != nil {
			log.Warnf("Anchor submit %v: %v", e.Digest, err)
			return "", false
		}
		err = p.registry.Upsert(registry.Entry{
			Digest:      e.Digest,
			TxReference: tx,
		})
		if err != nil {
			log.Errorf("Anchor upsert %v: %v", e.Digest, err)
			return tx, false
		}
	}

	r, err := p.ledger.WaitConfirmed(ctx, tx)
	if err != nil {
		// Submitted but not confirmed: keep the reference and re-poll
		// later.  Re-submission must be avoided.
		log.Warnf("Anchor wait %v tx %v: %v", e.Digest, tx, err)
		return tx, false
	}

	p.confirm(e.Digest, tx, r.BlockTime)
	return tx, true
}

// confirm records a confirmed anchor in the registry.
func (p *Pipeline) confirm(digest, tx string, blockTime int64) {
	if blockTime == 0 {
		blockTime = p.myNow().Unix()
	}
	err := p.registry.Upsert(registry.Entry{
		Digest:            digest,
		TxReference:       tx,
		Confirmed:         true,
		AnchoredTimestamp: blockTime,
	})
	if err != nil {
		log.Errorf("Confirm upsert %v: %v", digest, err)
		return
	}
	log.Infof("Anchored: digest %v tx %v", digest, tx)
}

// RetryAnchor re-drives the anchor stage for a published digest.  Already
// anchored digests short circuit to the stored transaction reference.
func (p *Pipeline) RetryAnchor(ctx context.Context, digest string) (*SecureResult, error) {
	e, err := p.registry.GetByDigest(digest)
	if err != nil {
		return nil, err
	}

	res := &SecureResult{
		FileName:    e.FileName,
		Digest:      e.Digest,
		ContentID:   e.ContentID,
		TxReference: e.TxReference,
		Anchored:    e.Anchored(),
	}
	if e.Anchored() {
		return res, nil
	}
	if e.ContentID == "" {
		return nil, ErrNotPublished
	}

	res.TxReference, res.Anchored = p.anchorEntry(ctx, e)
	return res, nil
}

// confirmPending walks the unconfirmed set and finishes anchors from the
// stored transaction references.  Called from cron.
func (p *Pipeline) confirmPending() {
	pending, err := p.registry.Unconfirmed()
	if err != nil {
		log.Errorf("confirmPending: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	start := time.Now()
	confirmed := 0
	for _, e := range pending {
		e := e
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Minute)
		if _, ok := p.anchorEntry(ctx, &e); ok {
			confirmed++
		}
		cancel()
	}

	log.Infof("Anchor re-poll: %v pending, %v confirmed in %v",
		len(pending), confirmed, time.Since(start))
}

// Verify checks a candidate file against a claim and produces the compound
// verdict.  The digest is always recomputed from the candidate file; the
// caller supplied digest is only used to locate a record when no content
// id is given, never for the match itself.
func (p *Pipeline) Verify(ctx context.Context, path string, c Claim) *Verdict {
	v := &Verdict{}

	if c.Digest == "" && c.ContentID == "" {
		v.Reason = ReasonInvalidClaim
		return v
	}

	d, err := digest.File(path)
	if err != nil {
		log.Debugf("Verify digest %v: %v", path, err)
		v.Reason = ReasonDigestFailure
		return v
	}
	ds := d.String()

	rec, reason := p.fetchRecord(ctx, c)
	if reason != "" {
		v.Reason = reason
		return v
	}

	v.MatchesContent = strings.EqualFold(rec.Digest, ds)
	v.Anchored = p.anchored(ctx, ds)
	p.finalize(v)
	return v
}

// VerifyClaim checks a claim without a candidate file.  With nothing to
// recompute from, the match compares the published record against the
// claimed digest; this attests the claim, not the file.
func (p *Pipeline) VerifyClaim(ctx context.Context, c Claim) *Verdict {
	v := &Verdict{}

	if c.Digest == "" {
		v.Reason = ReasonInvalidClaim
		return v
	}

	rec, reason := p.fetchRecord(ctx, c)
	if reason != "" {
		v.Reason = reason
		return v
	}

	v.MatchesContent = strings.EqualFold(rec.Digest, c.Digest)
	v.Anchored = p.anchored(ctx, rec.Digest)
	p.finalize(v)
	return v
}

// fetchRecord resolves the claim to a published record.  An empty reason
// string means success.
func (p *Pipeline) fetchRecord(ctx context.Context, c Claim) (*publisher.Record, string) {
	cid := c.ContentID
	if cid == "" {
		e, err := p.registry.GetByDigest(c.Digest)
		if err != nil || e.ContentID == "" {
			return nil, ReasonRecordNotFound
		}
		cid = e.ContentID
	}

	rec, err := p.publisher.Fetch(ctx, cid)
	switch {
	case errors.Is(err, publisher.ErrNotFound):
		return nil, ReasonRecordNotFound
	case err != nil:
		log.Debugf("Verify fetch %v: %v", cid, err)
		return nil, ReasonFetchFailure
	}
	return rec, ""
}

// anchored reports whether the digest has a confirmed anchor.  The local
// registry answers first; on a miss the ledger's authoritative read-only
// query decides.
func (p *Pipeline) anchored(ctx context.Context, digest string) bool {
	if e, err := p.registry.GetByDigest(digest); err == nil &&
		e.Anchored() {
		return true
	}
	ok, err := p.ledger.VerifyDigest(ctx, digest)
	if err != nil {
		log.Debugf("Verify ledger %v: %v", digest, err)
		return false
	}
	return ok
}

func (p *Pipeline) finalize(v *Verdict) {
	v.IsValid = v.MatchesContent && v.Anchored
	if v.IsValid {
		return
	}
	if !v.MatchesContent {
		v.Reason = ReasonDigestMismatch
	} else {
		v.Reason = ReasonNotAnchored
	}
}
