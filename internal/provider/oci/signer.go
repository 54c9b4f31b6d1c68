package oci

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ocibot/internal/account"
)

// signer produces the draft-cavage "Signature" authorization header OCI
// expects: rsa-sha256 over date, (request-target), host and, for bodied
// requests, content-length/content-type/x-content-sha256.
type signer struct {
	keyID string
	key   *rsa.PrivateKey
}

func newSigner(p *account.Profile) (*signer, error) {
	if p.TenancyID == "" || p.UserID == "" || p.Fingerprint == "" {
		return nil, errors.New("tenancy, user and fingerprint are required")
	}
	raw, err := os.ReadFile(p.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := parseRSAKey(raw)
	if err != nil {
		return nil, err
	}
	return &signer{
		keyID: strings.Join([]string{p.TenancyID, p.UserID, p.Fingerprint}, "/"),
		key:   key,
	}, nil
}

func parseRSAKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("private key is not PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rk, nil
}

func (s *signer) sign(req *resty.Request, method, rawURL string, body []byte) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	date := time.Now().UTC().Format(time.RFC1123)
	target := u.RequestURI()

	headers := []string{"date", "(request-target)", "host"}
	lines := []string{
		"date: " + date,
		"(request-target): " + strings.ToLower(method) + " " + target,
		"host: " + u.Host,
	}

	req.SetHeader("Date", date)
	req.SetHeader("Host", u.Host)

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		bodyHash := base64.StdEncoding.EncodeToString(sum[:])
		length := strconv.Itoa(len(body))

		headers = append(headers, "content-length", "content-type", "x-content-sha256")
		lines = append(lines,
			"content-length: "+length,
			"content-type: application/json",
			"x-content-sha256: "+bodyHash,
		)
		req.SetHeader("Content-Length", length)
		req.SetHeader("X-Content-Sha256", bodyHash)
	}

	digest := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.SetHeader("Authorization", fmt.Sprintf(
		`Signature version="1",keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		s.keyID, strings.Join(headers, " "), base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}
