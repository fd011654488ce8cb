package polymarket

import (
	"encoding/base64"
	"testing"

	"predictarb/internal/config"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(config.PolymarketConfig{
		// Throwaway key, never funded.
		PrivateKey:    "0x0123456789012345678901234567890123456789012345678901234567890123",
		ChainID:       137,
		ApiKey:        "test-key",
		ApiSecret:     base64.URLEncoding.EncodeToString([]byte("test-secret")),
		ApiPassphrase: "test-pass",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestHMACDeterministic(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	sig1, err := a.buildHMAC("1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := a.buildHMAC("1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Error("same inputs should produce the same signature")
	}

	sig3, err := a.buildHMAC("1700000000", "POST", "/order", `{"x":2}`)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 == sig3 {
		t.Error("different body should change the signature")
	}

	if _, err := base64.URLEncoding.DecodeString(sig1); err != nil {
		t.Errorf("signature is not url-safe base64: %v", err)
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	headers, err := a.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{
		"POLY-ADDRESS", "POLY-SIGNATURE", "POLY-TIMESTAMP",
		"POLY-API-KEY", "POLY-PASSPHRASE",
	} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if headers["POLY-API-KEY"] != "test-key" {
		t.Errorf("api key = %q", headers["POLY-API-KEY"])
	}
}

func TestL1HeadersSignature(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	headers, err := a.L1Headers(0)
	if err != nil {
		t.Fatal(err)
	}
	sig := headers["POLY-SIGNATURE"]
	// 65-byte signature hex plus the 0x prefix.
	if len(sig) != 132 || sig[:2] != "0x" {
		t.Errorf("signature %q does not look like 65-byte hex", sig)
	}
	if headers["POLY-NONCE"] != "0" {
		t.Errorf("nonce = %q", headers["POLY-NONCE"])
	}
}

func TestSignOrderProducesSignature(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	order := &wireOrder{
		Salt:        "12345",
		Maker:       a.Address().Hex(),
		Signer:      a.Address().Hex(),
		Taker:       zeroAddress,
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "50000000",
		TakerAmount: "100000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        "BUY",
	}

	sig, err := a.SignOrder(order)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 132 || sig[:2] != "0x" {
		t.Errorf("order signature %q does not look like 65-byte hex", sig)
	}

	// Signing is deterministic for identical payloads.
	sig2, err := a.SignOrder(order)
	if err != nil {
		t.Fatal(err)
	}
	if sig != sig2 {
		t.Error("identical orders should produce identical signatures")
	}
}

func TestFunderDefaultsToSigner(t *testing.T) {
	t.Parallel()
	a := testAuth(t)
	if a.FunderAddress() != a.Address() {
		t.Error("funder should default to the signing address")
	}
}

func TestNewSaltUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := newSalt()
		if seen[s] {
			t.Fatalf("duplicate salt %s", s)
		}
		seen[s] = true
	}
}
