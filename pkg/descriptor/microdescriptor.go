package descriptor

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Microdescriptor is a parsed "microdescriptor 1.0" document: a reduced,
// consensus-friendly subset of a server descriptor's routing information,
// identified by the SHA-256 digest of its own bytes (spec.md section 4.5).
type Microdescriptor struct {
	Digest       [32]byte // SHA-256 of the raw microdescriptor bytes
	OnionKeyPEM  []byte
	NtorOnionKey string
	ExitPolicy   []ExitPolicyRule
	Ed25519ID    string // base64 Ed25519 identity, from an "id ed25519" line
	Families     []string
}

// ParseMicrodescriptor scans raw bytes as a single microdescriptor. Unlike
// server descriptors, microdescriptors have no fixed first/last keyword;
// "onion-key" is the only keyword every microdescriptor carries.
func ParseMicrodescriptor(raw []byte) (*Microdescriptor, error) {
	doc, err := Scan(raw)
	if err != nil {
		return nil, err
	}

	onionKey, err := doc.RequireSingle("onion-key")
	if err != nil {
		return nil, err
	}

	md := &Microdescriptor{
		Digest:      sha256.Sum256(raw),
		OnionKeyPEM: onionKey.Block,
	}

	if e, ok := doc.FirstEntry("ntor-onion-key"); ok {
		md.NtorOnionKey = e.Value
	}
	for _, e := range doc.All("id") {
		if typ, key, ok := strings.Cut(e.Value, " "); ok && typ == "ed25519" {
			md.Ed25519ID = key
		}
	}
	for _, e := range doc.All("family") {
		md.Families = append(md.Families, strings.Fields(e.Value)...)
	}
	for _, e := range doc.Entries {
		switch e.Keyword {
		case "p", "p6":
			md.ExitPolicy = append(md.ExitPolicy, ExitPolicyRule{Accept: strings.HasPrefix(e.Value, "accept"), Rule: e.Value})
		}
	}

	return md, nil
}

// DigestHex returns the microdescriptor's SHA-256 digest as lowercase hex.
func (md *Microdescriptor) DigestHex() string {
	return fmt.Sprintf("%x", md.Digest)
}

