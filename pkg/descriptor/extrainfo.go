package descriptor

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- extrainfo signatures use the same SHA-1 scheme as server descriptors (dir-spec.txt section 2.1.2)
	"fmt"
	"strings"
)

// ExtraInfo is a parsed "extra-info 1.0" document: supplementary
// statistics a relay publishes alongside its server descriptor.
type ExtraInfo struct {
	Nickname    string
	Fingerprint string
	Published   string
	ReadHistory string
	WriteHistory string
	DirreqStats map[string]string
	RouterSignature []byte

	doc *Document
}

// ParseExtraInfo scans raw bytes as an extra-info document.
func ParseExtraInfo(raw []byte) (*ExtraInfo, error) {
	doc, err := Scan(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.RequireFirstKeyword("extra-info"); err != nil {
		return nil, err
	}
	if err := doc.RequireLastKeyword("router-signature"); err != nil {
		return nil, err
	}

	header, err := doc.RequireSingle("extra-info")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(header.Value)
	if len(fields) != 2 {
		return nil, NewMalformed(fmt.Sprintf("extra-info line has %d fields, want 2", len(fields)))
	}

	ei := &ExtraInfo{
		Nickname:    fields[0],
		Fingerprint: fields[1],
		DirreqStats: make(map[string]string),
		doc:         doc,
	}

	if e, ok := doc.FirstEntry("published"); ok {
		ei.Published = e.Value
	}
	if e, ok := doc.FirstEntry("read-history"); ok {
		ei.ReadHistory = e.Value
	}
	if e, ok := doc.FirstEntry("write-history"); ok {
		ei.WriteHistory = e.Value
	}
	for _, e := range doc.Entries {
		if strings.HasPrefix(e.Keyword, "dirreq-") {
			ei.DirreqStats[e.Keyword] = e.Value
		}
	}

	sig, err := doc.RequireSingle("router-signature")
	if err != nil {
		return nil, err
	}
	sigBytes, err := decodePEMBlock(sig.Block)
	if err != nil {
		return nil, NewMalformed(fmt.Sprintf("router-signature: %v", err))
	}
	ei.RouterSignature = sigBytes

	return ei, nil
}

// Validate checks the RSA signature over the extra-info..router-signature
// range against the relay's identity key.
func (ei *ExtraInfo) Validate(identityKey *rsa.PublicKey) error {
	signedRange, err := ei.doc.SignedRange("extra-info", "router-signature")
	if err != nil {
		return err
	}
	signedRange = append(signedRange, "router-signature\n"...)
	digest := sha1.Sum(signedRange) // #nosec G401
	if err := rsa.VerifyPKCS1v15(identityKey, crypto.SHA1, digest[:], ei.RouterSignature); err != nil {
		return &SignatureInvalid{Signer: ei.Fingerprint, Reason: err.Error()}
	}
	return nil
}
