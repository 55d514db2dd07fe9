// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	v1 "github.com/provtime/provtime/api/v1"
)

const (
	provtimeClientID = "provtime cli"

	defaultHost = "localhost"
	defaultPort = "49374"
)

var (
	debug     = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson = flag.Bool("json", false, "Print JSON response from server")
	host      = flag.String("h", "", "Provenance host")
	skipTLS   = flag.Bool("skipverify", false, "Skip TLS certificate verification")
	trial     = flag.Bool("t", false, "Trial run, don't contact server")
	verbose   = flag.Bool("v", false, "Verbose")
	login     = flag.Bool("login", false, "Exchange -email and -password for an oracle token")
	email     = flag.String("email", "", "Oracle account email")
	password  = flag.String("password", "", "Oracle account password")
	retry     = flag.String("retry", "", "Re-drive anchoring for a published digest")
)

// cfg is loaded from the INI configuration file; it carries the oracle
// token so it never has to appear on a command line.
var cfg *config

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// isFile determines if the provided filename points to a valid file.
func isFile(filename string) bool {
	fi, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// isDir determines if the provided filename points to a directory.
func isDir(filename string) bool {
	fi, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return fi.Mode().IsDir()
}

// isDigest determines if a string is a valid SHA256 digest.
func isDigest(digest string) bool {
	return v1.RegexpSHA256.MatchString(digest)
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e interface{}
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	m, ok := e.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("could not decode response")
	}
	rError, ok := m["error"]
	if !ok {
		return "", fmt.Errorf("no error response")
	}
	return fmt.Sprintf("%v", rError), nil
}

func newClient() *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: *skipTLS,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// post sends a JSON payload to the named route.  The oracle token, when
// configured, is attached as a bearer token.
func post(route string, payload interface{}) (*http.Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if *debug {
		fmt.Println(string(b))
	}

	req, err := http.NewRequest("POST", *host+route, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.OracleToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.OracleToken)
	}

	return newClient().Do(req)
}

// secure uploads a file to the server and prints the pipeline result.
func secure(filename string) error {
	if *trial {
		fmt.Printf("%v Upload (trial)\n", filename)
		return nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return err
	}
	if _, err = io.Copy(part, f); err != nil {
		return err
	}
	if err = mw.Close(); err != nil {
		return err
	}

	c := newClient()
	r, err := c.Post(*host+v1.SecureRoute, mw.FormDataContentType(), body)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	var reply v1.SecureReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&reply); err != nil {
		return fmt.Errorf("could not decode SecureReply: %v", err)
	}

	state := "Published"
	if reply.Anchored {
		state = "Anchored "
	}
	fmt.Printf("%v %v %v\n", reply.Digest, state, reply.FileName)
	if *verbose {
		fmt.Printf("  %-10v: %v\n", "ContentID", reply.ContentID)
		if reply.TxReference != "" {
			fmt.Printf("  %-10v: %v\n", "Tx", reply.TxReference)
		}
	}

	return nil
}

// verify asks the server for a verdict on each digest claim.
func verify(digests []string) error {
	for _, digest := range digests {
		if *trial {
			fmt.Printf("%v Verify (trial)\n", digest)
			continue
		}

		r, err := post(v1.VerifyRoute, v1.Verify{
			ID:     provtimeClientID,
			Digest: digest,
		})
		if err != nil {
			return err
		}
		defer r.Body.Close()

		if r.StatusCode != http.StatusOK {
			e, err := getError(r.Body)
			if err != nil {
				return fmt.Errorf("%v", r.Status)
			}
			return fmt.Errorf("%v: %v", r.Status, e)
		}

		if *printJson {
			io.Copy(os.Stdout, r.Body)
			fmt.Printf("\n")
			continue
		}

		var reply v1.VerifyReply
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&reply); err != nil {
			return fmt.Errorf("could not decode VerifyReply: %v",
				err)
		}

		result := "INVALID"
		if reply.IsValid {
			result = "OK"
		}
		fmt.Printf("%v %v\n", digest, result)
		if *verbose || !reply.IsValid {
			fmt.Printf("  %-15v: %v\n", "Matches content",
				reply.MatchesContent)
			fmt.Printf("  %-15v: %v\n", "Anchored",
				reply.Anchored)
			if reply.Reason != "" {
				fmt.Printf("  %-15v: %v\n", "Reason",
					reply.Reason)
			}
		}
	}

	return nil
}

// oracleLogin exchanges credentials for a capability token and prints it so
// it can be placed in the configuration file.
func oracleLogin() error {
	if *email == "" || *password == "" {
		return fmt.Errorf("-login requires -email and -password")
	}

	r, err := post(v1.OracleLoginRoute, v1.OracleLogin{
		Email:    *email,
		Password: *password,
	})
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	var reply v1.OracleLoginReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&reply); err != nil {
		return fmt.Errorf("could not decode OracleLoginReply: %v", err)
	}

	fmt.Printf("Token expires at %v\n", reply.Expiry)
	fmt.Printf("Add to %v:\n", defaultConfigFile)
	fmt.Printf("oracletoken=%v\n", reply.Token)

	return nil
}

// retryAnchor asks the server to re-drive the anchor stage for a digest.
func retryAnchor(digest string) error {
	if !isDigest(digest) {
		return fmt.Errorf("not a digest: %v", digest)
	}

	r, err := post(v1.AnchorRetryRoute, v1.AnchorRetry{Digest: digest})
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	var reply v1.SecureReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&reply); err != nil {
		return fmt.Errorf("could not decode SecureReply: %v", err)
	}

	state := "Pending "
	if reply.Anchored {
		state = "Anchored"
	}
	fmt.Printf("%v %v %v\n", reply.Digest, state, reply.TxReference)

	return nil
}

func _main() error {
	flag.Parse()

	var err error
	cfg, err = loadConfig()
	if err != nil {
		return fmt.Errorf("could not load configuration file: %v", err)
	}

	if *host == "" {
		*host = defaultHost
	}
	*host = normalizeAddress(*host, defaultPort)
	u, err := url.Parse("https://" + *host)
	if err != nil {
		return err
	}
	*host = u.String()

	if *login {
		return oracleLogin()
	}
	if *retry != "" {
		return retryAnchor(*retry)
	}

	// Files are uploaded; everything else must be a digest to verify.
	var uploads []string
	var claims []string
	for _, a := range flag.Args() {
		if isFile(a) {
			uploads = append(uploads, a)
			continue
		}

		if isDigest(a) {
			claims = append(claims, a)
			continue
		}

		if isDir(a) {
			continue
		}

		return fmt.Errorf("%v is not a digest or valid file", a)
	}

	if len(uploads) == 0 && len(claims) == 0 {
		return fmt.Errorf("nothing to do")
	}

	for _, filename := range uploads {
		if err := secure(filename); err != nil {
			return err
		}
	}

	if len(claims) != 0 {
		if err := verify(claims); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
