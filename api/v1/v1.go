// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// DefaultMaxFileSize is the upload size cap enforced before any
	// processing happens.
	DefaultMaxFileSize = 16 * 1024 * 1024 // 16 MiB
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server status.
	StatusRoute = RoutePrefix + "/status/"

	// SecureRoute defines the API route for uploading a file and driving
	// the full digest, publish and anchor pipeline.
	SecureRoute = RoutePrefix + "/secure/"

	// VerifyRoute defines the API route for verifying a provenance claim.
	VerifyRoute = RoutePrefix + "/verify/"

	// StatsRoute defines the API route for registry statistics used by
	// dashboard style callers.
	StatsRoute = RoutePrefix + "/stats/"

	// LedgerRoute defines the API route for retrieving the current
	// confirmed ledger height.
	LedgerRoute = RoutePrefix + "/ledger/"

	// OracleRegisterRoute defines the API route for creating an oracle
	// account.
	OracleRegisterRoute = RoutePrefix + "/oracle/register/"

	// OracleLoginRoute defines the API route for exchanging oracle
	// credentials for a capability token.
	OracleLoginRoute = RoutePrefix + "/oracle/login/"

	// AnchorRetryRoute defines the API route for re-driving the anchor
	// stage of a published but unanchored digest.  Requires a capability
	// token.
	AnchorRetryRoute = RoutePrefix + "/anchor/retry/"

	// RegexpSHA256 is the valid text representation of a sha256 digest.
	RegexpSHA256 = regexp.MustCompile("^[A-Fa-f0-9]{64}$")

	// RegexpCID is the valid text representation of a content identifier
	// as handed out by the content store.  Covers both the legacy base58
	// form and the base32 form.
	RegexpCID = regexp.MustCompile("^(Qm[1-9A-HJ-NP-Za-km-z]{44}|b[a-z2-7]{50,})$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
type StatusReply struct {
	ID string `json:"id"`
}

// SecureReply is returned once an uploaded file has been run through the
// pipeline.  TxReference is empty and Anchored false when the ledger was
// unreachable; the file is durably published regardless and anchoring is
// retried later.
type SecureReply struct {
	FileName    string `json:"filename"`
	Digest      string `json:"digest"`
	ContentID   string `json:"contentid"`
	TxReference string `json:"txreference"`
	Anchored    bool   `json:"anchored"`
}

// Verify is a provenance claim.  At least one of Digest and ContentID must
// be set.  CID is accepted as an alias for ContentID for compatibility with
// older callers.
type Verify struct {
	ID        string `json:"id"`
	Digest    string `json:"digest"`
	ContentID string `json:"contentid"`
	CID       string `json:"cid"`
}

// VerifyReply carries the compound verdict.  IsValid is only true when the
// content store record matches the digest AND the digest is anchored on the
// ledger.  Reason carries a machine readable explanation for negative
// verdicts.
type VerifyReply struct {
	ID             string `json:"id"`
	IsValid        bool   `json:"isvalid"`
	MatchesContent bool   `json:"matchescontent"`
	Anchored       bool   `json:"anchored"`
	Reason         string `json:"reason,omitempty"`
}

// Activity describes a single recently anchored file.  TxReference is
// shortened for display.
type Activity struct {
	FileName    string `json:"filename"`
	TxReference string `json:"txreference"`
	Timestamp   int64  `json:"timestamp"`
}

// StatsReply is returned for registry statistics reads.
type StatsReply struct {
	TotalAnchored  int        `json:"totalanchored"`
	TotalNodes     int        `json:"totalnodes"`
	RecentActivity []Activity `json:"recentactivity"`
}

// LedgerStatusReply reports the current confirmed ledger height.  Offline is
// the sentinel for an unreachable ledger endpoint.
type LedgerStatusReply struct {
	Height  uint64 `json:"height"`
	Offline bool   `json:"offline"`
}

// OracleRegister creates an oracle account.
type OracleRegister struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	OrgType  string `json:"orgtype"`
	Password string `json:"password"`
}

// OracleRegisterReply is returned on successful account creation.
type OracleRegisterReply struct {
	Email string `json:"email"`
}

// OracleLogin exchanges credentials for a capability token.
type OracleLogin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OracleLoginReply carries the capability token that gates privileged
// operations.  Expiry is a UNIX timestamp.
type OracleLoginReply struct {
	Token  string `json:"token"`
	Expiry int64  `json:"expiry"`
}

// AnchorRetry asks the server to re-drive anchoring for a published digest.
type AnchorRetry struct {
	Digest string `json:"digest"`
}
