package descriptor

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- test signs the way dir-spec.txt specifies key-certificate signatures
	"crypto/x509"
	"strings"
	"testing"
)

func buildKeyCertificate(t *testing.T, identityKey, signingKey *rsa.PrivateKey) []byte {
	t.Helper()

	signingDigest := sha1.Sum(x509.MarshalPKCS1PublicKey(&signingKey.PublicKey)) // #nosec G401
	crosscert, err := rsa.SignPKCS1v15(rand.Reader, identityKey, crypto.SHA1, signingDigest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15 crosscert: %v", err)
	}

	body := "dir-key-certificate-version 3\n" +
		"fingerprint ABCD1234ABCD1234ABCD1234ABCD1234ABCD1234\n" +
		"dir-key-published 2026-01-01 00:00:00\n" +
		"dir-key-expires 2027-01-01 00:00:00\n" +
		"dir-identity-key\n" + string(pemBlock("RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&identityKey.PublicKey))) +
		"dir-signing-key\n" + string(pemBlock("RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&signingKey.PublicKey))) +
		"dir-key-crosscert\n" + string(pemBlock("SIGNATURE", crosscert)) +
		"dir-key-certification\n"

	digest := sha1.Sum([]byte(body)) // #nosec G401
	certification, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15 certification: %v", err)
	}

	return []byte(body + string(pemBlock("SIGNATURE", certification)))
}

func TestParseAndValidateKeyCertificate(t *testing.T) {
	identityKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	signingKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	raw := buildKeyCertificate(t, identityKey, signingKey)

	kc, err := ParseKeyCertificate(raw)
	if err != nil {
		t.Fatalf("ParseKeyCertificate: %v", err)
	}
	if kc.Version != 3 {
		t.Fatalf("Version = %d, want 3", kc.Version)
	}
	if err := kc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseKeyCertificateRejectsBrokenCrosscert(t *testing.T) {
	identityKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	signingKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	raw := buildKeyCertificate(t, identityKey, signingKey)

	// Corrupt the dir-identity-key block's modulus so the crosscert no
	// longer chains to the identity key actually embedded in the document.
	otherKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	corrupted := replacePEMBlock(t, raw, "dir-identity-key", x509.MarshalPKCS1PublicKey(&otherKey.PublicKey))

	kc, err := ParseKeyCertificate(corrupted)
	if err != nil {
		t.Fatalf("ParseKeyCertificate: %v", err)
	}
	if err := kc.Validate(); err == nil {
		t.Fatal("expected Validate to fail when crosscert does not chain to the identity key")
	}
}

// replacePEMBlock swaps the PEM block following a keyword line with a
// freshly encoded block carrying newDER, leaving the rest of the document
// untouched.
func replacePEMBlock(t *testing.T, raw []byte, keyword string, newDER []byte) []byte {
	t.Helper()
	doc, err := Scan(raw)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entry, ok := doc.FirstEntry(keyword)
	if !ok {
		t.Fatalf("keyword %q not found", keyword)
	}
	newBlock := pemBlock(entry.BlockType, newDER)
	return []byte(strings.Replace(string(raw), string(entry.Block), string(strings.TrimRight(string(newBlock), "\n")), 1))
}
