package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	payload := []byte(`{"transfer_id":"tr_123","current_state":"outgoing_payment_sent"}`)
	secret := "whsec_test"

	tests := []struct {
		name   string
		header string
		secret string
		alg    Algorithm
		enc    Encoding
		want   bool
	}{
		{
			name:   "valid hex sha256",
			header: Sign(payload, secret, HMACSHA256, EncodingHex),
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   true,
		},
		{
			name:   "valid base64 sha256",
			header: Sign(payload, secret, HMACSHA256, EncodingBase64),
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingBase64,
			want:   true,
		},
		{
			name:   "valid hex sha512",
			header: Sign(payload, secret, HMACSHA512, EncodingHex),
			secret: secret,
			alg:    HMACSHA512,
			enc:    EncodingHex,
			want:   true,
		},
		{
			name:   "prefixed hex header",
			header: "sha256=" + Sign(payload, secret, HMACSHA256, EncodingHex),
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   true,
		},
		{
			name:   "wrong secret",
			header: Sign(payload, "other_secret", HMACSHA256, EncodingHex),
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   false,
		},
		{
			name:   "garbage header",
			header: "garbage",
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   false,
		},
		{
			name:   "empty header",
			header: "",
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   false,
		},
		{
			name:   "empty secret",
			header: Sign(payload, secret, HMACSHA256, EncodingHex),
			secret: "",
			alg:    HMACSHA256,
			enc:    EncodingHex,
			want:   false,
		},
		{
			name:   "hex signature with base64 encoding expected",
			header: Sign(payload, secret, HMACSHA256, EncodingHex),
			secret: secret,
			alg:    HMACSHA256,
			enc:    EncodingBase64,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Verify(payload, tt.header, tt.secret, tt.alg, tt.enc)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifyByteSensitivity(t *testing.T) {
	payload := []byte(`{"a":1}`)
	header := Sign(payload, "s", HMACSHA256, EncodingHex)

	// Re-serialized JSON with different whitespace must not verify; the
	// check operates on raw bytes.
	assert.False(t, Verify([]byte(`{"a": 1}`), header, "s", HMACSHA256, EncodingHex))
	assert.True(t, Verify(payload, header, "s", HMACSHA256, EncodingHex))
}
