package descriptor

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- RSA router signatures are specified over a SHA-1 digest (dir-spec.txt section 2.1)
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"

	"github.com/torproject-go/gotor-core/pkg/certificate"
)

// ExitPolicyRule is one "accept"/"reject" line of a server descriptor's
// exit policy.
type ExitPolicyRule struct {
	Accept bool
	Rule   string // e.g. "*:80" or "10.0.0.0/8:*"
}

// ServerDescriptor is a parsed "server-descriptor 1.0" document.
type ServerDescriptor struct {
	Nickname     string
	Address      string
	ORPort       int
	SocksPort    int
	DirPort      int
	Platform     string
	TorVersion   string
	Published    string
	Fingerprint  string
	OnionKeyPEM  []byte
	SigningKeyPEM []byte
	NtorOnionKey string
	ExitPolicy   []ExitPolicyRule
	Ed25519Cert  *certificate.Certificate
	MasterKeyEd25519 string
	RouterSigEd25519 string
	RouterSignature  []byte

	doc *Document
}

// ParseServerDescriptor scans and structurally validates raw bytes as a
// server descriptor. Cryptographic validation is performed separately by
// Validate, since it requires the relay's identity key.
func ParseServerDescriptor(raw []byte) (*ServerDescriptor, error) {
	doc, err := Scan(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.RequireFirstKeyword("router"); err != nil {
		return nil, err
	}
	if err := doc.RequireLastKeyword("router-signature"); err != nil {
		return nil, err
	}

	router, err := doc.RequireSingle("router")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(router.Value)
	if len(fields) != 5 {
		return nil, NewMalformed(fmt.Sprintf("router line has %d fields, want 5", len(fields)))
	}
	orPort, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, NewMalformed("router line: invalid ORPort")
	}
	socksPort, _ := strconv.Atoi(fields[3])
	dirPort, _ := strconv.Atoi(fields[4])

	sd := &ServerDescriptor{
		Nickname:  fields[0],
		Address:   fields[1],
		ORPort:    orPort,
		SocksPort: socksPort,
		DirPort:   dirPort,
		doc:       doc,
	}

	if e, ok := doc.FirstEntry("platform"); ok {
		sd.Platform = e.Value
	}
	if e, ok := doc.FirstEntry("published"); ok {
		sd.Published = e.Value
	}
	if e, ok := doc.FirstEntry("fingerprint"); ok {
		sd.Fingerprint = strings.ReplaceAll(e.Value, " ", "")
	}
	if e, ok := doc.FirstEntry("ntor-onion-key"); ok {
		sd.NtorOnionKey = e.Value
	}
	if e, ok := doc.FirstEntry("master-key-ed25519"); ok {
		sd.MasterKeyEd25519 = e.Value
	}
	if e, ok := doc.FirstEntry("router-sig-ed25519"); ok {
		sd.RouterSigEd25519 = e.Value
	}

	onionKey, err := doc.RequireSingle("onion-key")
	if err != nil {
		return nil, err
	}
	sd.OnionKeyPEM = onionKey.Block

	signingKey, err := doc.RequireSingle("signing-key")
	if err != nil {
		return nil, err
	}
	sd.SigningKeyPEM = signingKey.Block

	for _, e := range doc.Entries {
		switch e.Keyword {
		case "accept", "accept6":
			sd.ExitPolicy = append(sd.ExitPolicy, ExitPolicyRule{Accept: true, Rule: e.Value})
		case "reject", "reject6":
			sd.ExitPolicy = append(sd.ExitPolicy, ExitPolicyRule{Accept: false, Rule: e.Value})
		}
	}

	if e, ok := doc.FirstEntry("identity-ed25519"); ok && len(e.Block) > 0 {
		certBytes, err := decodePEMBlock(e.Block)
		if err != nil {
			return nil, NewMalformed(fmt.Sprintf("identity-ed25519: %v", err))
		}
		cert, err := certificate.Parse(certBytes)
		if err != nil {
			return nil, NewMalformed(fmt.Sprintf("identity-ed25519 certificate: %v", err))
		}
		sd.Ed25519Cert = cert
	}

	sig, err := doc.RequireSingle("router-signature")
	if err != nil {
		return nil, err
	}
	sigBytes, err := decodePEMBlock(sig.Block)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("router-signature: %v", err))
	}
	sd.RouterSignature = sigBytes

	return sd, nil
}

// decodePEMBlock extracts the DER/raw payload from a "-----BEGIN
// X-----\n...\n-----END X-----" block, tolerating descriptor signature
// blocks whose type is not a standard PEM label (RSA SIGNATURE, ED25519
// CERT) by base64-decoding the body directly when x509/pem parsing fails.
func decodePEMBlock(block []byte) ([]byte, error) {
	if p, _ := pem.Decode(block); p != nil {
		return p.Bytes, nil
	}
	lines := strings.Split(string(block), "\n")
	var body strings.Builder
	for _, l := range lines {
		if strings.HasPrefix(l, "-----") {
			continue
		}
		body.WriteString(strings.TrimSpace(l))
	}
	return base64.StdEncoding.DecodeString(body.String())
}

// Validate performs the cryptographic checks spec.md section 4.5
// describes: the RSA signature over the router..router-signature range
// must match identityKey, and if an Ed25519 certificate is present it
// must validate against its own signing-key extension and that extension
// must in turn have signed the descriptor's ed25519 marker range.
func (sd *ServerDescriptor) Validate(identityKey *rsa.PublicKey) error {
	signedRange, err := sd.doc.SignedRange("router", "router-signature")
	if err != nil {
		return err
	}
	signedRange = append(signedRange, "router-signature\n"...)
	digest := sha1.Sum(signedRange) // #nosec G401
	if err := rsa.VerifyPKCS1v15(identityKey, crypto.SHA1, digest[:], sd.RouterSignature); err != nil {
		return &SignatureInvalid{Reason: fmt.Sprintf("router RSA signature: %v", err)}
	}

	if sd.Ed25519Cert == nil {
		return nil
	}
	if err := sd.Ed25519Cert.VerifySelfContained(); err != nil {
		return &SignatureInvalid{Reason: fmt.Sprintf("identity-ed25519 certificate: %v", err)}
	}
	signingKey, ok := sd.Ed25519Cert.SigningKey()
	if !ok {
		return &SignatureInvalid{Reason: "identity-ed25519 certificate has no HAS_SIGNING_KEY extension"}
	}

	edSigRange, err := sd.doc.SignedRange("router", "router-sig-ed25519")
	if err != nil {
		return err
	}
	edSigRange = append(edSigRange, []byte("router-sig-ed25519 ")...)
	edSig, err := decodeEd25519Signature(sd.RouterSigEd25519)
	if err != nil {
		return err
	}
	if err := certificate.VerifyDescriptorSignature(signingKey, edSigRange, edSig); err != nil {
		return &SignatureInvalid{Reason: fmt.Sprintf("router-sig-ed25519: %v", err)}
	}
	return nil
}

func decodeEd25519Signature(value string) ([]byte, error) {
	padded := value
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	sig, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("router-sig-ed25519: invalid base64: %v", err))
	}
	return sig, nil
}

// RSAPublicKeyFromPEM parses a "-----BEGIN RSA PUBLIC KEY-----" block
// (PKCS#1, as used by onion-key/signing-key) or a PKIX SubjectPublicKeyInfo
// block into an *rsa.PublicKey.
func RSAPublicKeyFromPEM(block []byte) (*rsa.PublicKey, error) {
	p, _ := pem.Decode(block)
	if p == nil {
		return nil, NewMalformed("not a PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(p.Bytes); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(p.Bytes)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("invalid RSA public key: %v", err))
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, NewMalformed("key is not RSA")
	}
	return rsaKey, nil
}

// rsaPublicKeyPKCS1DER returns the PKCS#1 DER encoding of an RSA public
// key, used as the input to crosscert/certification digests.
func rsaPublicKeyPKCS1DER(key *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(key)
}
