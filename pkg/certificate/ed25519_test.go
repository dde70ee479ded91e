package certificate

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"
)

func TestEncodeParseRoundTripSelfContained(t *testing.T) {
	masterPub, masterPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signingPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var certifiedKey [32]byte
	copy(certifiedKey[:], signingPub)

	expiration := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	raw, err := Encode(CertTypeSigning, expiration, 1, certifiedKey, true, masterPub, masterPriv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cert, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cert.Type != CertTypeSigning {
		t.Fatalf("Type = %v, want CertTypeSigning", cert.Type)
	}
	if cert.CertifiedKey != certifiedKey {
		t.Fatal("CertifiedKey mismatch")
	}

	got, ok := cert.SigningKey()
	if !ok {
		t.Fatal("expected HAS_SIGNING_KEY extension")
	}
	if string(got) != string(masterPub) {
		t.Fatal("signing key extension mismatch")
	}

	if err := cert.VerifySelfContained(); err != nil {
		t.Fatalf("VerifySelfContained: %v", err)
	}
}

func TestParseRejectsReservedCertType(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	var key [32]byte

	for _, ct := range []CertType{CertTypeReserved0, CertTypeReserved1, CertTypeReservedRSA} {
		raw, err := Encode(ct, time.Now().Add(time.Hour), 1, key, false, pub, priv)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := Parse(raw); err == nil {
			t.Fatalf("cert_type %d: expected Parse to reject reserved type", ct)
		}
	}
}

func TestParseRejectsTruncatedCertificate(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err == nil {
		t.Fatal("expected error for truncated certificate")
	}
}

func TestVerifyWithKeyRejectsTamperedSignature(t *testing.T) {
	masterPub, masterPriv, _ := ed25519.GenerateKey(nil)
	var key [32]byte
	raw, err := Encode(CertTypeSigning, time.Now().Add(time.Hour), 1, key, false, nil, masterPriv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF

	cert, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cert.VerifyWithKey(masterPub); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestVerifyDescriptorSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	content := []byte("router example 1.2.3.4 9001 0\nrouter-sig-ed25519 ")
	const prefix = "Tor router descriptor signature v1"

	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write(content)
	sig := ed25519.Sign(priv, h.Sum(nil))

	if err := VerifyDescriptorSignature(pub, content, sig); err != nil {
		t.Fatalf("VerifyDescriptorSignature: %v", err)
	}
}

func TestVerifyDescriptorSignatureMissingMarker(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	if err := VerifyDescriptorSignature(pub, []byte("no marker here"), make([]byte, 64)); err == nil {
		t.Fatal("expected error when router-sig-ed25519 marker is absent")
	}
}
