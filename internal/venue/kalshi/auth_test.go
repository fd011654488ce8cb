package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"predictarb/internal/config"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	a, err := NewAuth(config.KalshiConfig{
		ApiKeyID:      "test-key-id",
		PrivateKeyPem: string(pemData),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func verifySig(t *testing.T, a *Auth, timestamp, method, path, sigB64 string) error {
	t.Helper()
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(timestamp + method + path))
	return rsa.VerifyPSS(&a.key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
}

func TestSignVerifies(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	sig, err := a.sign("1700000000000", "GET", "/trade-api/v2/portfolio/balance")
	if err != nil {
		t.Fatal(err)
	}
	if err := verifySig(t, a, "1700000000000", "GET", "/trade-api/v2/portfolio/balance", sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignStripsQueryString(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	sig, err := a.sign("1700000000000", "GET", "/trade-api/v2/markets?limit=100&status=open")
	if err != nil {
		t.Fatal(err)
	}
	// The server verifies against the bare path.
	if err := verifySig(t, a, "1700000000000", "GET", "/trade-api/v2/markets", sig); err != nil {
		t.Errorf("signature should cover the path without query: %v", err)
	}
}

func TestSignUppercasesMethod(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	sig, err := a.sign("1700000000000", "get", "/trade-api/v2/markets")
	if err != nil {
		t.Fatal(err)
	}
	if err := verifySig(t, a, "1700000000000", "GET", "/trade-api/v2/markets", sig); err != nil {
		t.Errorf("method should be uppercased before signing: %v", err)
	}
}

func TestHeadersComplete(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	headers, err := a.Headers("POST", "/trade-api/v2/portfolio/orders")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"KALSHI-ACCESS-KEY", "KALSHI-ACCESS-TIMESTAMP", "KALSHI-ACCESS-SIGNATURE",
	} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if headers["KALSHI-ACCESS-KEY"] != "test-key-id" {
		t.Errorf("key id = %q", headers["KALSHI-ACCESS-KEY"])
	}
}

func TestNewAuthPKCS8(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	a, err := NewAuth(config.KalshiConfig{
		ApiKeyID:      "k",
		PrivateKeyPem: string(pemData),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Ready() {
		t.Error("PKCS#8 key should load")
	}
}

func TestNewAuthWithoutKey(t *testing.T) {
	t.Parallel()

	a, err := NewAuth(config.KalshiConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Ready() {
		t.Error("auth without key should not be ready")
	}
	if _, err := a.sign("1", "GET", "/x"); err == nil {
		t.Error("signing without a key should fail")
	}
}
