package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"predictarb/internal/config"
)

// Auth signs Kalshi requests with RSA-PSS. The signature covers
// "timestamp_ms + METHOD + path" where path excludes the query string,
// using SHA-256 with an MGF1-SHA256 mask and a salt the length of the digest.
type Auth struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewAuth loads the signing key from inline PEM or a file path. Both empty
// yields a nil-key Auth whose signing methods fail, which read-only and
// paper modes never reach.
func NewAuth(cfg config.KalshiConfig) (*Auth, error) {
	a := &Auth{keyID: cfg.ApiKeyID}

	pemData := cfg.PrivateKeyPem
	if pemData == "" && cfg.PrivateKeyPath != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemData = string(raw)
	}
	if pemData == "" {
		return a, nil
	}

	key, err := parseRSAKey(pemData)
	if err != nil {
		return nil, err
	}
	a.key = key
	return a, nil
}

// parseRSAKey accepts PKCS#1 and PKCS#8 private key PEM blocks.
func parseRSAKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// KeyID returns the configured API key id.
func (a *Auth) KeyID() string { return a.keyID }

// Ready reports whether the signer has both a key id and a private key.
func (a *Auth) Ready() bool { return a.keyID != "" && a.key != nil }

// Headers signs one request. The path's query string is stripped before
// signing; the server verifies against the bare path.
func (a *Auth) Headers(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := a.sign(timestamp, method, path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.keyID,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
		"KALSHI-ACCESS-SIGNATURE": sig,
	}, nil
}

func (a *Auth) sign(timestampMs, method, path string) (string, error) {
	if a.key == nil {
		return "", fmt.Errorf("no private key configured")
	}

	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	msg := timestampMs + strings.ToUpper(method) + path
	digest := sha256.Sum256([]byte(msg))

	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
