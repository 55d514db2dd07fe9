// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package oracle manages the accounts that gate verification and anchor
// retry operations.  Accounts are stored in a dedicated leveldb keyed by
// email address; passwords are stored as bcrypt hashes only.
package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ldb "github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrExists is returned when registering an email that already has an
	// account.
	ErrExists = errors.New("account exists")

	// ErrInvalidCredentials is returned for both an unknown email and a
	// wrong password so login probes cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Organization types an oracle can register under.
const (
	OrgTypeHospital   = "hospital"
	OrgTypeLab        = "lab"
	OrgTypeRegulator  = "regulator"
	OrgTypeUniversity = "university"
)

// Account is a registered oracle.  PasswordHash never leaves this package.
type Account struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	OrgType      string `json:"org_type"`
	PasswordHash []byte `json:"password_hash"`
	Created      int64  `json:"created"`
}

// Store is the durable account database.
type Store struct {
	sync.Mutex

	db    *ldb.DB
	myNow func() time.Time
}

// NewStore opens, creating if necessary, the account database at root.
func NewStore(root string) (*Store, error) {
	db, err := ldb.OpenFile(root, nil)
	if err != nil {
		return nil, err
	}

	log.Debugf("Accounts: %v", root)

	return &Store{
		db:    db,
		myNow: time.Now,
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() {
	s.Lock()
	defer s.Unlock()

	s.db.Close()
}

func accountKey(email string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(email)))
}

// Register creates a new account.  The password is hashed before it touches
// the database.
func (s *Store) Register(email, name, orgType, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("email and password required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password),
		bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	key := accountKey(email)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}

	payload, err := json.Marshal(Account{
		Email:        string(key),
		Name:         name,
		OrgType:      orgType,
		PasswordHash: hash,
		Created:      s.myNow().Unix(),
	})
	if err != nil {
		return err
	}
	if err := s.db.Put(key, payload, nil); err != nil {
		return err
	}

	log.Infof("Registered oracle: %v (%v)", string(key), orgType)

	return nil
}

// Authenticate verifies an email and password pair and returns the account
// on success.
func (s *Store) Authenticate(email, password string) (*Account, error) {
	s.Lock()
	defer s.Unlock()

	payload, err := s.db.Get(accountKey(email), nil)
	if err != nil {
		if errors.Is(err, ldb.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	var a Account
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, err
	}

	err = bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	return &a, nil
}
