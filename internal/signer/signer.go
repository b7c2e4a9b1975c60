// Package signer builds and signs the device authentication payload presented
// to the gateway during the connect handshake.
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// PayloadVersion is the leading field of every signed payload.
const PayloadVersion = "v2"

const fieldSeparator = "|"

// PayloadParams are the fields bound into the signed payload.
type PayloadParams struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// BuildPayload serializes params in wire order. The gateway rebuilds the same
// string to verify the signature, so field order and separators must not change.
func BuildPayload(p PayloadParams) string {
	return strings.Join([]string{
		PayloadVersion,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
		p.Nonce,
	}, fieldSeparator)
}

// Sign returns the Ed25519 signature over the UTF-8 bytes of payload.
func Sign(payload string, priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(priv))
	}
	return ed25519.Sign(priv, []byte(payload)), nil
}

// Verify reports whether sig is a valid signature of payload under pub.
func Verify(payload string, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}

// EncodeBase64URL is the unpadded base64url form used for keys and signatures on the wire.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts padded or unpadded base64url input.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawURLEncoding.DecodeString(s)
}
