package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha3"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/torproject-go/gotor-core/pkg/certificate"
)

// encryptLayerForTest mirrors decryptLayer's key derivation and MAC
// construction but runs the cipher forward, producing a valid
// salt||ciphertext||mac block for use as test fixture data.
func encryptLayerForTest(t *testing.T, plaintext []byte, constant string, revisionCounter uint64, subcredential [32]byte, blindedKey ed25519.PublicKey) []byte {
	t.Helper()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("rand.Read salt: %v", err)
	}

	var revCounter [8]byte
	for i := 0; i < 8; i++ {
		revCounter[7-i] = byte(revisionCounter >> (8 * i))
	}
	secretInput := append(append([]byte{}, blindedKey...), subcredential[:]...)
	secretInput = append(secretInput, revCounter[:]...)

	shake := sha3.NewSHAKE256()
	shake.Write(secretInput)
	shake.Write(salt)
	shake.Write([]byte(constant))
	keyMaterial := make([]byte, hsv3SecretKeyLen+hsv3SecretIVLen+hsv3MACKeyLen)
	if _, err := shake.Read(keyMaterial); err != nil {
		t.Fatalf("shake.Read: %v", err)
	}
	secretKey := keyMaterial[:hsv3SecretKeyLen]
	secretIV := keyMaterial[hsv3SecretKeyLen : hsv3SecretKeyLen+hsv3SecretIVLen]
	macKey := keyMaterial[hsv3SecretKeyLen+hsv3SecretIVLen:]

	block, err := aes.NewCipher(secretKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	stream := cipher.NewCTR(block, secretIV)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	mac := computeLayerMAC(macKey, salt, ciphertext)

	out := make([]byte, 0, len(salt)+len(ciphertext)+len(mac))
	out = append(out, salt...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out
}

func messageBlock(data []byte) string {
	return "-----BEGIN MESSAGE-----\n" + base64.StdEncoding.EncodeToString(data) + "\n-----END MESSAGE-----\n"
}

func certBlock(data []byte) string {
	return "-----BEGIN ED25519 CERT-----\n" + base64.StdEncoding.EncodeToString(data) + "\n-----END ED25519 CERT-----\n"
}

func buildHSv3Descriptor(t *testing.T) (raw []byte, addr *Address) {
	t.Helper()

	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey identity: %v", err)
	}
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey blinded: %v", err)
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey signing: %v", err)
	}

	addr = &Address{Version: V3, Pubkey: identityPub}
	subcredential := computeSubcredential(identityPub, blindedPub)

	var certifiedKey [32]byte
	copy(certifiedKey[:], signingPub)
	certBytes, err := certificate.Encode(certificate.CertTypeHSV3DescSigningKey, time.Now().Add(24*time.Hour), 1, certifiedKey, true, blindedPub, blindedPriv)
	if err != nil {
		t.Fatalf("certificate.Encode: %v", err)
	}

	linkSpecs := []byte{1, 0, 4, 192, 0, 2, 1}
	onionKey := make([]byte, 32)
	encKey := make([]byte, 32)
	authKeyCert := make([]byte, 104)
	encKeyCert := make([]byte, 104)

	innerPlaintext := "create2-formats 2\n" +
		"introduction-point " + base64.StdEncoding.EncodeToString(linkSpecs) + "\n" +
		"onion-key ntor " + base64.StdEncoding.EncodeToString(onionKey) + "\n" +
		"auth-key\n" + certBlock(authKeyCert) +
		"enc-key ntor " + base64.StdEncoding.EncodeToString(encKey) + "\n" +
		"enc-key-cert\n" + certBlock(encKeyCert)

	const revisionCounter = uint64(5)
	innerBlock := encryptLayerForTest(t, []byte(innerPlaintext), hsv3EncryptedConstant, revisionCounter, subcredential, blindedPub)

	outerPlaintext := "encrypted\n" + messageBlock(innerBlock)
	outerBlock := encryptLayerForTest(t, []byte(outerPlaintext), hsv3SuperencryptedConstant, revisionCounter, subcredential, blindedPub)

	body := "hs-descriptor 3\n" +
		"descriptor-lifetime 180\n" +
		"descriptor-signing-key-cert\n" + certBlock(certBytes) +
		fmt.Sprintf("revision-counter %d\n", revisionCounter) +
		"superencrypted\n" + messageBlock(outerBlock)

	message := append([]byte(hsv3DescriptorSigPrefix), append([]byte(body), []byte("signature ")...)...)
	sig := ed25519.Sign(signingPriv, message)

	full := body + "signature " + base64.StdEncoding.EncodeToString(sig) + "\n"
	return []byte(full), addr
}

func TestParseAndDecryptHSv3Descriptor(t *testing.T) {
	raw, addr := buildHSv3Descriptor(t)

	d, err := ParseHSv3Descriptor(raw)
	if err != nil {
		t.Fatalf("ParseHSv3Descriptor: %v", err)
	}
	if d.RevisionCounter != 5 {
		t.Fatalf("RevisionCounter = %d, want 5", d.RevisionCounter)
	}
	if err := d.VerifySignature(); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	outer, subcredential, err := d.DecryptOuterLayer(addr)
	if err != nil {
		t.Fatalf("DecryptOuterLayer: %v", err)
	}

	blindedKey, ok := d.SigningKeyCert.SigningKey()
	if !ok {
		t.Fatal("expected blinded key in signing-key-cert extension")
	}

	inner, err := DecryptInnerLayer(outer, d.RevisionCounter, subcredential, blindedKey)
	if err != nil {
		t.Fatalf("DecryptInnerLayer: %v", err)
	}
	if len(inner.CreateFormats) != 1 || inner.CreateFormats[0] != 2 {
		t.Fatalf("CreateFormats = %v", inner.CreateFormats)
	}
	if len(inner.IntroPoints) != 1 {
		t.Fatalf("expected 1 introduction point, got %d", len(inner.IntroPoints))
	}
	ip := inner.IntroPoints[0]
	if len(ip.LinkSpecifiers) != 1 || ip.LinkSpecifiers[0].Type != 0 {
		t.Fatalf("unexpected link specifiers: %+v", ip.LinkSpecifiers)
	}
	if len(ip.OnionKey) != 32 || len(ip.EncKey) != 32 {
		t.Fatalf("unexpected key lengths: onion=%d enc=%d", len(ip.OnionKey), len(ip.EncKey))
	}
}

func TestDecryptOuterLayerFailsWithWrongAddress(t *testing.T) {
	raw, _ := buildHSv3Descriptor(t)
	d, err := ParseHSv3Descriptor(raw)
	if err != nil {
		t.Fatalf("ParseHSv3Descriptor: %v", err)
	}

	wrongPub, _, _ := ed25519.GenerateKey(nil)
	wrongAddr := &Address{Version: V3, Pubkey: wrongPub}

	if _, _, err := d.DecryptOuterLayer(wrongAddr); err == nil {
		t.Fatal("expected DecryptOuterLayer to fail with a mismatched address (wrong subcredential -> MAC failure)")
	}
}

func TestParseHSv3DescriptorRejectsWrongVersion(t *testing.T) {
	raw := []byte("hs-descriptor 2\n")
	if _, err := ParseHSv3Descriptor(raw); err == nil {
		t.Fatal("expected error for non-v3 hs-descriptor")
	}
}
