// Package signature verifies webhook payload authenticity via HMAC.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
)

// Algorithm selects the HMAC hash function.
type Algorithm string

const (
	HMACSHA256 Algorithm = "hmac-sha256"
	HMACSHA512 Algorithm = "hmac-sha512"
)

// Encoding selects how the provider encodes the signature header.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

func newHash(alg Algorithm) func() hash.Hash {
	switch alg {
	case HMACSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// Sign computes the HMAC of payload and returns it in the given encoding.
func Sign(payload []byte, secret string, alg Algorithm, enc Encoding) string {
	mac := hmac.New(newHash(alg), []byte(secret))
	mac.Write(payload)
	sum := mac.Sum(nil)
	if enc == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// Verify checks the signature header against the HMAC of the raw payload
// bytes. It must be called on the exact bytes received, before any JSON
// parsing. It returns false on any malformed input and never panics.
func Verify(payload []byte, signatureHeader, secret string, alg Algorithm, enc Encoding) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}

	// Some providers prefix the header, e.g. "sha256=<hex>".
	if idx := strings.IndexByte(signatureHeader, '='); idx >= 0 && enc == EncodingHex {
		prefix := signatureHeader[:idx]
		if prefix == "sha256" || prefix == "sha512" {
			signatureHeader = signatureHeader[idx+1:]
		}
	}

	var provided []byte
	var err error
	switch enc {
	case EncodingBase64:
		provided, err = base64.StdEncoding.DecodeString(signatureHeader)
	default:
		provided, err = hex.DecodeString(signatureHeader)
	}
	if err != nil {
		return false
	}

	mac := hmac.New(newHash(alg), []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(expected, provided)
}
