package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func newTestKeypair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestVerifySignature(t *testing.T) {
	svc, err := NewService("", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	pub, priv := newTestKeypair(t)
	message := []byte("accept terms v3")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))

	if !svc.VerifySignature(pub, message, sig) {
		t.Fatal("valid signature rejected")
	}
	if svc.VerifySignature(pub, []byte("tampered"), sig) {
		t.Fatal("signature accepted for altered message")
	}
}

func TestVerifySignatureMalformedInputsReturnFalse(t *testing.T) {
	svc, err := NewService("", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	pub, priv := newTestKeypair(t)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("m")))

	cases := []struct {
		name string
		key  string
		sig  string
	}{
		{"empty key", "", sig},
		{"bad base64 key", "!!!not-base64!!!", sig},
		{"short key", base64.StdEncoding.EncodeToString([]byte("short")), sig},
		{"empty signature", pub, ""},
		{"bad base64 signature", pub, "%%%"},
		{"short signature", pub, base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range cases {
		if svc.VerifySignature(tc.key, []byte("m"), tc.sig) {
			t.Fatalf("%s: expected false", tc.name)
		}
	}
}

func TestSignAsSystem(t *testing.T) {
	_, priv := newTestKeypair(t)
	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	svc, err := NewService(seed, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	data := []byte("receipt payload")
	sig, err := svc.SignAsSystem(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !svc.VerifySignature(svc.SystemPublicKey(), data, sig) {
		t.Fatal("system signature did not verify against system public key")
	}
}

func TestSignAsSystemWithoutKey(t *testing.T) {
	svc, err := NewService("", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.SignAsSystem([]byte("data")); err != ErrNoSystemKey {
		t.Fatalf("expected ErrNoSystemKey, got %v", err)
	}
}

func TestVerifySignatureChain(t *testing.T) {
	svc, err := NewService("", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	alicePub, alicePriv := newTestKeypair(t)
	bobPub, bobPriv := newTestKeypair(t)
	keys := map[string]string{"alice": alicePub, "bob": bobPub}

	entries := []ChainEntry{
		{Party: "alice", Message: []byte("m1"), Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(alicePriv, []byte("m1")))},
		{Party: "bob", Message: []byte("m2"), Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(bobPriv, []byte("m2")))},
	}
	if !svc.VerifySignatureChain(entries, keys) {
		t.Fatal("valid chain rejected")
	}

	entries[1].Party = "carol"
	if svc.VerifySignatureChain(entries, keys) {
		t.Fatal("chain with unknown party accepted")
	}

	entries[1].Party = "bob"
	entries[1].Message = []byte("altered")
	if svc.VerifySignatureChain(entries, keys) {
		t.Fatal("chain with altered message accepted")
	}
}
