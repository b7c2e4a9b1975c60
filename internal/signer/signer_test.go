package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

func testParams() PayloadParams {
	return PayloadParams{
		DeviceID:   "dev-1",
		ClientID:   "clawlink",
		ClientMode: "webchat",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		SignedAtMs: 1700000000123,
		Token:      "tok",
		Nonce:      "abc123",
	}
}

func TestBuildPayload_FieldOrder(t *testing.T) {
	got := BuildPayload(testParams())
	want := "v2|dev-1|clawlink|webchat|operator|operator.read,operator.write|1700000000123|tok|abc123"
	if got != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}
}

func TestBuildPayload_EmptyTokenAndScopes(t *testing.T) {
	p := testParams()
	p.Token = ""
	p.Scopes = nil
	got := BuildPayload(p)
	want := "v2|dev-1|clawlink|webchat|operator||1700000000123||abc123"
	if got != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}
}

func TestBuildPayload_Deterministic(t *testing.T) {
	a := BuildPayload(testParams())
	b := BuildPayload(testParams())
	if a != b {
		t.Fatalf("payload not deterministic: %q vs %q", a, b)
	}
}

func TestBuildPayload_SingleFieldChangesOutput(t *testing.T) {
	base := BuildPayload(testParams())
	mutations := map[string]func(*PayloadParams){
		"device":   func(p *PayloadParams) { p.DeviceID = "dev-2" },
		"client":   func(p *PayloadParams) { p.ClientID = "other" },
		"mode":     func(p *PayloadParams) { p.ClientMode = "cli" },
		"role":     func(p *PayloadParams) { p.Role = "node" },
		"scopes":   func(p *PayloadParams) { p.Scopes = []string{"operator.write", "operator.read"} },
		"signedAt": func(p *PayloadParams) { p.SignedAtMs++ },
		"token":    func(p *PayloadParams) { p.Token = "tok2" },
		"nonce":    func(p *PayloadParams) { p.Nonce = "abc124" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := testParams()
			mutate(&p)
			if got := BuildPayload(p); got == base {
				t.Fatalf("mutating %s did not change payload %q", name, got)
			}
		})
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := BuildPayload(testParams())

	sig, err := Sign(payload, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(payload, sig, pub) {
		t.Fatal("expected signature to verify with own key")
	}
	if Verify(payload, sig, otherPub) {
		t.Fatal("expected signature to fail with another key")
	}
	mutated := []byte(payload)
	mutated[len(mutated)-1] ^= 0x01
	if Verify(string(mutated), sig, pub) {
		t.Fatal("expected signature to fail for mutated payload")
	}

	again, err := Sign(payload, priv)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if string(again) != string(sig) {
		t.Fatal("ed25519 signatures should be deterministic")
	}
}

func TestSign_RejectsShortKey(t *testing.T) {
	if _, err := Sign("x", ed25519.PrivateKey([]byte("short"))); err == nil {
		t.Fatal("expected error for short private key")
	}
}

func TestBase64URLRoundTrip(t *testing.T) {
	in := []byte{0xfb, 0xff, 0x01, 0x02}
	enc := EncodeBase64URL(in)
	if strings.ContainsAny(enc, "+/=") {
		t.Fatalf("encoding %q is not unpadded base64url", enc)
	}
	out, err := DecodeBase64URL(enc + "==")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("decoded %x, want %x", out, in)
	}
}
