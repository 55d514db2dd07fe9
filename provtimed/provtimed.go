// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	v1 "github.com/provtime/provtime/api/v1"
	"github.com/provtime/provtime/provtimed/ledger"
	"github.com/provtime/provtime/provtimed/nodes"
	"github.com/provtime/provtime/provtimed/oracle"
	"github.com/provtime/provtime/provtimed/pipeline"
	"github.com/provtime/provtime/provtimed/publisher"
	"github.com/provtime/provtime/provtimed/registry"
	"github.com/provtime/provtime/provtimed/registry/leveldb"
	"github.com/provtime/provtime/util"
)

const forward = "X-Forwarded-For"

// Provtimed application context.
type Provtimed struct {
	cfg      *config
	router   *mux.Router
	pipeline *pipeline.Pipeline
	ledger   *ledger.Client
	registry registry.Registry
	accounts *oracle.Store
	tokens   *oracle.TokenIssuer
}

// via returns the remote address with any X-Forwarded-For header prepended
// for audit logs.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// shortTx returns a display form of a transaction reference, first six and
// last four characters.
func shortTx(tx string) string {
	if len(tx) <= 12 {
		return tx
	}
	return tx[:6] + "..." + tx[len(tx)-4:]
}

func (p *Provtimed) extAllowed(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	i := sort.SearchStrings(p.cfg.AllowedExts, ext)
	return i < len(p.cfg.AllowedExts) && p.cfg.AllowedExts[i] == ext
}

func (p *Provtimed) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	log.Infof("Status %v", via(r))

	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID: s.ID,
	})
}

// secure accepts a multipart file upload and drives it through the full
// pipeline.  The upload is staged under a random name and removed again no
// matter how far the pipeline got.
func (p *Provtimed) secure(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxFileSize)
	defer r.Body.Close()

	file, header, err := r.FormFile("file")
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid multipart upload")
		return
	}
	defer file.Close()

	fileName := filepath.Base(header.Filename)
	if !p.extAllowed(fileName) {
		util.RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("File type not allowed, accepted: %v",
				strings.Join(p.cfg.AllowedExts, " ")))
		return
	}

	// Stage under a random name; the original name only survives in the
	// provenance record.
	staged := filepath.Join(p.cfg.StagingDir, uuid.New().String()+
		filepath.Ext(fileName))
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		log.Errorf("secure %v: stage: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not stage upload")
		return
	}
	defer os.Remove(staged)

	_, err = io.Copy(f, file)
	f.Close()
	if err != nil {
		log.Errorf("secure %v: copy: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not stage upload")
		return
	}

	res, err := p.pipeline.Secure(r.Context(), staged, fileName)
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v secure error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not secure file, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Secure %v: %v %v anchored %v", via(r), fileName,
		res.Digest, res.Anchored)

	util.RespondWithJSON(w, http.StatusOK, v1.SecureReply{
		FileName:    res.FileName,
		Digest:      res.Digest,
		ContentID:   res.ContentID,
		TxReference: res.TxReference,
		Anchored:    res.Anchored,
	})
}

// verify produces a compound verdict for a provenance claim.  A multipart
// request carries a candidate file whose digest is recomputed; a JSON
// request attests the claim against the published record only.
func (p *Provtimed) verify(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		p.verifyFile(w, r)
		return
	}

	var vr v1.Verify
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&vr); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	claim, ok := p.claimFromRequest(w, &vr)
	if !ok {
		return
	}

	verdict := p.pipeline.VerifyClaim(r.Context(), claim)

	log.Infof("Verify %v: %v valid %v", via(r), claim.Digest,
		verdict.IsValid)

	util.RespondWithJSON(w, http.StatusOK, verdictReply(vr.ID, verdict))
}

func (p *Provtimed) verifyFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxFileSize)
	defer r.Body.Close()

	file, header, err := r.FormFile("file")
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid multipart upload")
		return
	}
	defer file.Close()

	vr := v1.Verify{
		ID:        r.FormValue("id"),
		Digest:    r.FormValue("digest"),
		ContentID: r.FormValue("contentid"),
		CID:       r.FormValue("cid"),
	}
	claim, ok := p.claimFromRequest(w, &vr)
	if !ok {
		return
	}

	staged := filepath.Join(p.cfg.StagingDir, uuid.New().String()+
		filepath.Ext(filepath.Base(header.Filename)))
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		log.Errorf("verify %v: stage: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not stage upload")
		return
	}
	defer os.Remove(staged)

	_, err = io.Copy(f, file)
	f.Close()
	if err != nil {
		log.Errorf("verify %v: copy: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not stage upload")
		return
	}

	verdict := p.pipeline.Verify(r.Context(), staged, claim)

	log.Infof("Verify %v: %v valid %v", via(r), claim.Digest,
		verdict.IsValid)

	util.RespondWithJSON(w, http.StatusOK, verdictReply(vr.ID, verdict))
}

// claimFromRequest validates the wire claim and converts it.  It answers the
// request itself and returns false when the claim is malformed.
func (p *Provtimed) claimFromRequest(w http.ResponseWriter, vr *v1.Verify) (pipeline.Claim, bool) {
	cid := vr.ContentID
	if cid == "" {
		cid = vr.CID
	}
	if vr.Digest == "" && cid == "" {
		util.RespondWithError(w, http.StatusBadRequest,
			"Either digest or contentid must be set")
		return pipeline.Claim{}, false
	}
	if vr.Digest != "" && !v1.RegexpSHA256.MatchString(vr.Digest) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid digest")
		return pipeline.Claim{}, false
	}
	if cid != "" && !v1.RegexpCID.MatchString(cid) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid content identifier")
		return pipeline.Claim{}, false
	}
	return pipeline.Claim{
		Digest:    strings.ToLower(vr.Digest),
		ContentID: cid,
	}, true
}

func verdictReply(id string, v *pipeline.Verdict) v1.VerifyReply {
	return v1.VerifyReply{
		ID:             id,
		IsValid:        v.IsValid,
		MatchesContent: v.MatchesContent,
		Anchored:       v.Anchored,
		Reason:         v.Reason,
	}
}

func (p *Provtimed) stats(w http.ResponseWriter, r *http.Request) {
	count, err := p.registry.CountAnchored()
	if err != nil {
		log.Errorf("stats %v: count: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not read registry")
		return
	}

	recent, err := p.registry.RecentAnchored(5)
	if err != nil {
		log.Errorf("stats %v: recent: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not read registry")
		return
	}

	activity := make([]v1.Activity, 0, len(recent))
	for _, e := range recent {
		activity = append(activity, v1.Activity{
			FileName:    e.FileName,
			TxReference: shortTx(e.TxReference),
			Timestamp:   e.AnchoredTimestamp,
		})
	}

	util.RespondWithJSON(w, http.StatusOK, v1.StatsReply{
		TotalAnchored:  count,
		TotalNodes:     nodes.Count(),
		RecentActivity: activity,
	})
}

// ledgerStatus reports the current confirmed height.  An unreachable anchor
// service answers with the offline sentinel rather than an error so
// dashboard callers can render a degraded state.
func (p *Provtimed) ledgerStatus(w http.ResponseWriter, r *http.Request) {
	height, err := p.ledger.Height(r.Context())
	if err != nil {
		if !errors.Is(err, ledger.ErrNetwork) {
			log.Errorf("ledger status %v: %v", via(r), err)
		}
		util.RespondWithJSON(w, http.StatusOK, v1.LedgerStatusReply{
			Offline: true,
		})
		return
	}

	util.RespondWithJSON(w, http.StatusOK, v1.LedgerStatusReply{
		Height: height,
	})
}

func (p *Provtimed) oracleRegister(w http.ResponseWriter, r *http.Request) {
	var or v1.OracleRegister
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&or); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	err := p.accounts.Register(or.Email, or.Name, or.OrgType, or.Password)
	switch {
	case errors.Is(err, oracle.ErrExists):
		util.RespondWithError(w, http.StatusConflict,
			"Account already exists")
		return
	case err != nil:
		util.RespondWithError(w, http.StatusBadRequest,
			"Could not create account")
		return
	}

	log.Infof("Oracle register %v: %v", via(r), or.Email)

	util.RespondWithJSON(w, http.StatusOK, v1.OracleRegisterReply{
		Email: strings.ToLower(strings.TrimSpace(or.Email)),
	})
}

func (p *Provtimed) oracleLogin(w http.ResponseWriter, r *http.Request) {
	var ol v1.OracleLogin
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&ol); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	account, err := p.accounts.Authenticate(ol.Email, ol.Password)
	if err != nil {
		// Unknown account and wrong password answer identically.
		util.RespondWithError(w, http.StatusUnauthorized,
			"Invalid credentials")
		return
	}

	token, expiry, err := p.tokens.Issue(account)
	if err != nil {
		log.Errorf("oracle login %v: issue: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not issue token")
		return
	}

	log.Infof("Oracle login %v: %v", via(r), account.Email)

	util.RespondWithJSON(w, http.StatusOK, v1.OracleLoginReply{
		Token:  token,
		Expiry: expiry.Unix(),
	})
}

func (p *Provtimed) anchorRetry(w http.ResponseWriter, r *http.Request) {
	var ar v1.AnchorRetry
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&ar); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpSHA256.MatchString(ar.Digest) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid digest")
		return
	}

	res, err := p.pipeline.RetryAnchor(r.Context(),
		strings.ToLower(ar.Digest))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		util.RespondWithError(w, http.StatusNotFound,
			"Unknown digest")
		return
	case errors.Is(err, pipeline.ErrNotPublished):
		util.RespondWithError(w, http.StatusBadRequest,
			"Digest has no published record")
		return
	case err != nil:
		log.Errorf("anchor retry %v: %v", via(r), err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not retry anchor")
		return
	}

	log.Infof("Anchor retry %v: %v anchored %v", via(r), ar.Digest,
		res.Anchored)

	util.RespondWithJSON(w, http.StatusOK, v1.SecureReply{
		FileName:    res.FileName,
		Digest:      res.Digest,
		ContentID:   res.ContentID,
		TxReference: res.TxReference,
		Anchored:    res.Anchored,
	})
}

// requireOracle rejects requests that do not carry a valid oracle capability
// token.
func (p *Provtimed) requireOracle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			util.RespondWithError(w, http.StatusUnauthorized,
				"Oracle token required")
			return
		}
		email, err := p.tokens.Validate(token)
		if err != nil {
			util.RespondWithError(w, http.StatusUnauthorized,
				"Invalid oracle token")
			return
		}
		log.Debugf("Oracle %v: %v %v", email, r.Method, r.URL.Path)
		next(w, r)
	}
}

// oracleSecret returns the configured token secret or generates an ephemeral
// one.  Ephemeral secrets invalidate outstanding tokens on restart.
func oracleSecret(cfg *config) ([]byte, error) {
	if cfg.OracleSecret != "" {
		return []byte(cfg.OracleSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	log.Warnf("No oraclesecret configured; using an ephemeral secret, " +
		"oracle tokens will not survive a restart")
	return secret, nil
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Home dir: %v", loadedCfg.HomeDir)
	log.Infof("Store   : %v", loadedCfg.StoreURL)
	log.Infof("Ledger  : %v", loadedCfg.LedgerHost)

	// Create the data and staging directories in case they do not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}
	err = os.MkdirAll(loadedCfg.StagingDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already exist.
	if !fileExists(loadedCfg.HTTPSKey) &&
		!fileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("provtimed", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	// Generate the anchor signing key if it doesn't already exist.
	var signer ledger.Signer
	if !fileExists(loadedCfg.LedgerKey) {
		log.Infof("Generating anchor signing key...")

		signer, err = ledger.GenerateSigningKey(loadedCfg.LedgerKey)
		if err != nil {
			return fmt.Errorf("unable to create signing key: %v",
				err)
		}
	} else {
		signer, err = ledger.LoadSigner(loadedCfg.LedgerKey)
		if err != nil {
			return fmt.Errorf("unable to load signing key: %v",
				err)
		}
	}

	// Setup application context.
	p := &Provtimed{
		cfg: loadedCfg,
	}

	reg, err := leveldb.New(filepath.Join(loadedCfg.DataDir, "registry"))
	if err != nil {
		return err
	}
	p.registry = reg

	p.accounts, err = oracle.NewStore(filepath.Join(loadedCfg.DataDir,
		"accounts"))
	if err != nil {
		return err
	}

	secret, err := oracleSecret(loadedCfg)
	if err != nil {
		return err
	}
	p.tokens = oracle.NewTokenIssuer(secret,
		time.Duration(loadedCfg.TokenTTL)*time.Minute)

	pub := publisher.New(publisher.Config{
		AddURL:     loadedCfg.StoreURL,
		GatewayURL: loadedCfg.GatewayURL,
		AuthToken:  loadedCfg.StoreToken,
	})
	p.ledger = ledger.New(ledger.Config{
		Host:           loadedCfg.LedgerHost,
		Confirmations:  loadedCfg.Confirmations,
		ConfirmTimeout: time.Duration(loadedCfg.ConfirmTimeout) * time.Second,
	}, signer)

	p.pipeline = pipeline.New(pub, p.ledger, p.registry)
	if err := p.pipeline.Start(loadedCfg.PollSchedule); err != nil {
		return fmt.Errorf("invalid pollschedule: %v", err)
	}

	// Setup mux.
	p.router = mux.NewRouter()
	p.router.HandleFunc(v1.StatusRoute, p.status).Methods("POST")
	p.router.HandleFunc(v1.SecureRoute, p.secure).Methods("POST")
	p.router.HandleFunc(v1.VerifyRoute,
		p.requireOracle(p.verify)).Methods("POST")
	p.router.HandleFunc(v1.StatsRoute, p.stats).Methods("GET")
	p.router.HandleFunc(v1.LedgerRoute, p.ledgerStatus).Methods("GET")
	p.router.HandleFunc(v1.OracleRegisterRoute,
		p.oracleRegister).Methods("POST")
	p.router.HandleFunc(v1.OracleLoginRoute,
		p.oracleLogin).Methods("POST")
	p.router.HandleFunc(v1.AnchorRetryRoute,
		p.requireOracle(p.anchorRetry)).Methods("POST")

	handler := handlers.RecoveryHandler()(handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type",
			"Authorization"}))(p.router))

	// Bind to a port and pass our router in.
	listenC := make(chan error)
	for _, listener := range loadedCfg.Listeners {
		listen := listener
		go func() {
			log.Infof("Listen: %v", listen)
			listenC <- http.ListenAndServeTLS(listen,
				loadedCfg.HTTPSCert, loadedCfg.HTTPSKey,
				handler)
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigs:
			log.Infof("Terminating with %v", sig)
			goto done
		case err := <-listenC:
			log.Errorf("%v", err)
			goto done
		}
	}
done:
	p.pipeline.Close()
	p.accounts.Close()
	reg.Close()

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
