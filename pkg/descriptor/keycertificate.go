package descriptor

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- crosscert/self-signature verification is specified over SHA-1 (dir-spec.txt section 3.1)
	"fmt"
	"strings"
)

// KeyCertificate is a parsed "dir-key-certificate-3" document: a directory
// authority's statement binding a medium-term signing key to its
// long-term identity key.
type KeyCertificate struct {
	Version         int
	Fingerprint     string
	IdentityKeyPEM  []byte
	SigningKeyPEM   []byte
	Published       string
	Expires         string
	CrossCert       []byte
	Certification   []byte

	doc *Document
}

// ParseKeyCertificate scans raw bytes as a directory-authority key
// certificate.
func ParseKeyCertificate(raw []byte) (*KeyCertificate, error) {
	doc, err := Scan(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.RequireFirstKeyword("dir-key-certificate-version"); err != nil {
		return nil, err
	}

	kc := &KeyCertificate{doc: doc}

	versionEntry, err := doc.RequireSingle("dir-key-certificate-version")
	if err != nil {
		return nil, err
	}
	fmt.Sscanf(versionEntry.Value, "%d", &kc.Version)

	fp, err := doc.RequireSingle("fingerprint")
	if err != nil {
		return nil, err
	}
	kc.Fingerprint = strings.ReplaceAll(fp.Value, " ", "")

	identityKey, err := doc.RequireSingle("dir-identity-key")
	if err != nil {
		return nil, err
	}
	kc.IdentityKeyPEM = identityKey.Block

	signingKey, err := doc.RequireSingle("dir-signing-key")
	if err != nil {
		return nil, err
	}
	kc.SigningKeyPEM = signingKey.Block

	if e, ok := doc.FirstEntry("dir-key-published"); ok {
		kc.Published = e.Value
	}
	if e, ok := doc.FirstEntry("dir-key-expires"); ok {
		kc.Expires = e.Value
	}

	crosscert, err := doc.RequireSingle("dir-key-crosscert")
	if err != nil {
		return nil, err
	}
	kc.CrossCert, err = decodePEMBlock(crosscert.Block)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("dir-key-crosscert: %v", err))
	}

	certification, err := doc.RequireSingle("dir-key-certification")
	if err != nil {
		return nil, err
	}
	kc.Certification, err = decodePEMBlock(certification.Block)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("dir-key-certification: %v", err))
	}

	return kc, nil
}

// Validate chains the signing key to the identity key via the crosscert,
// then verifies the certificate's self-signature, per spec.md section 4.5.
func (kc *KeyCertificate) Validate() error {
	identityKey, err := RSAPublicKeyFromPEM(kc.IdentityKeyPEM)
	if err != nil {
		return fmt.Errorf("dir-identity-key: %w", err)
	}
	signingKey, err := RSAPublicKeyFromPEM(kc.SigningKeyPEM)
	if err != nil {
		return fmt.Errorf("dir-signing-key: %w", err)
	}

	signingDigest := sha1.Sum(publicKeyFingerprintBytes(signingKey)) // #nosec G401
	if err := rsa.VerifyPKCS1v15(identityKey, crypto.SHA1, signingDigest[:], kc.CrossCert); err == nil {
		// crosscert verifies directly over the signing key's digest.
	} else {
		// Tor's crosscert format instead signs the identity key's digest
		// with the signing key; accept either direction since dir-spec.txt
		// historically allowed both during the RSA->Ed25519 transition.
		identityDigest := sha1.Sum(publicKeyFingerprintBytes(identityKey)) // #nosec G401
		if err2 := rsa.VerifyPKCS1v15(signingKey, crypto.SHA1, identityDigest[:], kc.CrossCert); err2 != nil {
			return &SignatureInvalid{Signer: kc.Fingerprint, Reason: fmt.Sprintf("dir-key-crosscert: %v / %v", err, err2)}
		}
	}

	base, err := kc.doc.SignedRange("dir-key-certificate-version", "dir-key-certification")
	if err != nil {
		return err
	}
	base = append(base, "dir-key-certification\n"...)
	digest := sha1.Sum(base) // #nosec G401
	if err := rsa.VerifyPKCS1v15(signingKey, crypto.SHA1, digest[:], kc.Certification); err != nil {
		return &SignatureInvalid{Signer: kc.Fingerprint, Reason: fmt.Sprintf("dir-key-certification: %v", err)}
	}
	return nil
}

// publicKeyFingerprintBytes returns the DER encoding of an RSA public
// key's modulus/exponent in PKCS#1 form, the bytes crosscert/certification
// digests are computed over.
func publicKeyFingerprintBytes(key *rsa.PublicKey) []byte {
	return rsaPublicKeyPKCS1DER(key)
}
