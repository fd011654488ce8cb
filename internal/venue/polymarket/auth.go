package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"predictarb/internal/config"
)

// ctfExchange is the Polygon mainnet CTF Exchange contract that verifies
// order signatures.
const ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// Credentials is the L2 API key triplet returned by /auth/derive-api-key.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth handles the two Polymarket authentication layers:
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message with the wallet key,
//     used once to derive the L2 credentials, and signs every order payload.
//
//   - L2 (HMAC-SHA256): signs "timestamp + method + path [+ body]" with the
//     derived API secret on every trading request.
//
// funderAddress differs from address when a proxy or Gnosis Safe wallet holds
// the collateral (signature types 1 and 2).
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       int // 0 = EOA, 1 = proxy, 2 = Gnosis Safe
	creds         Credentials
}

// NewAuth builds an Auth from venue config. The private key may be empty in
// paper mode; signing methods then fail, which paper trading never reaches.
func NewAuth(cfg config.PolymarketConfig) (*Auth, error) {
	a := &Auth{
		chainID: big.NewInt(int64(cfg.ChainID)),
		sigType: cfg.SignatureType,
		creds: Credentials{
			ApiKey:     cfg.ApiKey,
			Secret:     cfg.ApiSecret,
			Passphrase: cfg.ApiPassphrase,
		},
	}

	if cfg.PrivateKey != "" {
		keyHex := cfg.PrivateKey
		if len(keyHex) >= 2 && keyHex[:2] == "0x" {
			keyHex = keyHex[2:]
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		a.privateKey = key
		a.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	if cfg.FunderAddress != "" {
		a.funderAddress = common.HexToAddress(cfg.FunderAddress)
	} else {
		a.funderAddress = a.address
	}
	return a, nil
}

// Address returns the signing wallet's address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the wallet holding order collateral.
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// SignatureType returns the configured wallet type.
func (a *Auth) SignatureType() int { return a.sigType }

// HasCredentials reports whether the L2 triplet is present.
func (a *Auth) HasCredentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials installs a derived L2 triplet.
func (a *Auth) SetCredentials(creds Credentials) { a.creds = creds }

// L1Headers signs the ClobAuth attestation used for key management.
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY-ADDRESS":   a.address.Hex(),
		"POLY-SIGNATURE": sig,
		"POLY-TIMESTAMP": timestamp,
		"POLY-NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers signs a trading request with the derived API secret.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY-ADDRESS":    a.address.Hex(),
		"POLY-SIGNATURE":  sig,
		"POLY-TIMESTAMP":  timestamp,
		"POLY-API-KEY":    a.creds.ApiKey,
		"POLY-PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// signClobAuth produces the EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignOrder signs a wire order against the CTF Exchange domain and returns
// the hex signature.
func (a *Auth) SignOrder(o *wireOrder) (string, error) {
	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: ctfExchange,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          fmt.Sprintf("%d", o.SideCode()),
			"signatureType": fmt.Sprintf("%d", o.SignatureType),
		},
		"Order",
	)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *Auth) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	if a.privateKey == nil {
		return nil, fmt.Errorf("no private key configured")
	}

	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the L2 signature.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// newSalt returns a random uint256 salt for order uniqueness.
func newSalt() string {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return n.String()
}
