package descriptor

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- consensus signatures may specify the legacy SHA-1 digest algorithm (dir-spec.txt section 3.4.1)
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
)

// RouterStatusEntry is one relay's entry in a network-status document,
// assembled from its "r"/"s"/"v"/"w"/"p"/"a"/"id"/"pr" lines.
type RouterStatusEntry struct {
	Nickname    string
	Identity    string // base64 SHA-1 identity digest, from the "r" line
	Digest      string // base64 descriptor/microdescriptor digest
	Published   string
	Address     string
	ORPort      int
	DirPort     int
	Flags       []string
	Version     string
	Bandwidth   map[string]string // from the "w" line (e.g. Bandwidth, Measured)
	Policy      string            // the "p" line's raw summary
	Additional  []string          // "a" lines: additional OR addresses
	Ed25519ID   string            // from the "id ed25519 <key>" line
	Protocols   string            // the "pr" line
}

// DirectoryAuthority is one authority's "dir-source"/"contact"/"vote-digest"
// block in a consensus or vote document.
type DirectoryAuthority struct {
	Nickname   string
	Identity   string
	Hostname   string
	Address    string
	DirPort    int
	ORPort     int
	Contact    string
	VoteDigest string
}

// DirectorySignature is one "directory-signature" entry in a consensus or
// vote document's footer.
type DirectorySignature struct {
	Algorithm      string // "sha1" if the optional algorithm token was omitted
	IdentityDigest string
	SigningKeyDigest string
	Signature      []byte
}

// NetworkStatus is a parsed network-status consensus or vote document
// (network-status-consensus-3, network-status-vote-3, or
// network-status-microdesc-consensus-3).
type NetworkStatus struct {
	Version      int
	VoteStatus   string // "consensus" or "vote"
	ConsensusMethod int
	ValidAfter   string
	FreshUntil   string
	ValidUntil   string
	Authorities  []DirectoryAuthority
	Routers      []RouterStatusEntry
	Signatures   []DirectorySignature

	doc *Document
}

// ParseNetworkStatus scans raw bytes as a consensus or vote document.
func ParseNetworkStatus(raw []byte) (*NetworkStatus, error) {
	doc, err := Scan(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.RequireFirstKeyword("network-status-version"); err != nil {
		return nil, err
	}

	ns := &NetworkStatus{doc: doc}

	versionEntry, err := doc.RequireSingle("network-status-version")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(versionEntry.Value)
	if len(fields) == 0 {
		return nil, NewMalformed("network-status-version line is empty")
	}
	ns.Version, err = strconv.Atoi(fields[0])
	if err != nil {
		return nil, NewMalformed("network-status-version: not an integer")
	}

	if e, ok := doc.FirstEntry("vote-status"); ok {
		ns.VoteStatus = e.Value
	}
	if e, ok := doc.FirstEntry("consensus-method"); ok {
		ns.ConsensusMethod, _ = strconv.Atoi(e.Value)
	}
	if e, ok := doc.FirstEntry("valid-after"); ok {
		ns.ValidAfter = e.Value
	}
	if e, ok := doc.FirstEntry("fresh-until"); ok {
		ns.FreshUntil = e.Value
	}
	if e, ok := doc.FirstEntry("valid-until"); ok {
		ns.ValidUntil = e.Value
	}

	ns.Authorities = parseDirSources(doc)
	ns.Routers, err = parseRouterStatusEntries(doc)
	if err != nil {
		return nil, err
	}
	ns.Signatures, err = parseDirectorySignatures(doc)
	if err != nil {
		return nil, err
	}
	if len(ns.Signatures) == 0 {
		return nil, NewMalformed("document has no directory-signature entries")
	}

	return ns, nil
}

func parseDirSources(doc *Document) []DirectoryAuthority {
	var out []DirectoryAuthority
	for i, e := range doc.Entries {
		if e.Keyword != "dir-source" {
			continue
		}
		f := strings.Fields(e.Value)
		if len(f) != 6 {
			continue
		}
		dirPort, _ := strconv.Atoi(f[4])
		orPort, _ := strconv.Atoi(f[5])
		auth := DirectoryAuthority{
			Nickname: f[0],
			Identity: f[1],
			Hostname: f[2],
			Address:  f[3],
			DirPort:  dirPort,
			ORPort:   orPort,
		}
		for j := i + 1; j < len(doc.Entries) && doc.Entries[j].Keyword != "dir-source"; j++ {
			switch doc.Entries[j].Keyword {
			case "contact":
				auth.Contact = doc.Entries[j].Value
			case "vote-digest":
				auth.VoteDigest = doc.Entries[j].Value
			case "r":
				// the per-authority block ends where router-status entries begin
				j = len(doc.Entries)
			}
		}
		out = append(out, auth)
	}
	return out
}

func parseRouterStatusEntries(doc *Document) ([]RouterStatusEntry, error) {
	var entries []RouterStatusEntry
	var current *RouterStatusEntry

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}

	for _, e := range doc.Entries {
		switch e.Keyword {
		case "r":
			flush()
			f := strings.Fields(e.Value)
			if len(f) < 8 {
				return nil, NewMalformed(fmt.Sprintf("r line has %d fields, want at least 8", len(f)))
			}
			orPort, _ := strconv.Atoi(f[6])
			dirPort, _ := strconv.Atoi(f[7])
			current = &RouterStatusEntry{
				Nickname:  f[0],
				Identity:  f[1],
				Digest:    f[2],
				Published: f[3] + " " + f[4],
				Address:   f[5],
				ORPort:    orPort,
				DirPort:   dirPort,
				Bandwidth: make(map[string]string),
			}
		case "s":
			if current != nil {
				current.Flags = strings.Fields(e.Value)
			}
		case "v":
			if current != nil {
				current.Version = e.Value
			}
		case "pr":
			if current != nil {
				current.Protocols = e.Value
			}
		case "w":
			if current != nil {
				for _, kv := range strings.Fields(e.Value) {
					k, v, ok := strings.Cut(kv, "=")
					if ok {
						current.Bandwidth[k] = v
					}
				}
			}
		case "p":
			if current != nil {
				current.Policy = e.Value
			}
		case "a":
			if current != nil {
				current.Additional = append(current.Additional, e.Value)
			}
		case "id":
			if current != nil {
				if typ, key, ok := strings.Cut(e.Value, " "); ok && typ == "ed25519" {
					current.Ed25519ID = key
				}
			}
		}
	}
	flush()
	return entries, nil
}

func parseDirectorySignatures(doc *Document) ([]DirectorySignature, error) {
	var out []DirectorySignature
	for _, e := range doc.All("directory-signature") {
		f := strings.Fields(e.Value)
		var sig DirectorySignature
		switch len(f) {
		case 2:
			sig.Algorithm = "sha1"
			sig.IdentityDigest, sig.SigningKeyDigest = f[0], f[1]
		case 3:
			sig.Algorithm, sig.IdentityDigest, sig.SigningKeyDigest = f[0], f[1], f[2]
		default:
			return nil, NewMalformed(fmt.Sprintf("directory-signature line has %d fields", len(f)))
		}
		sigBytes, err := decodePEMBlock(e.Block)
		if err != nil {
			return nil, NewMalformed(fmt.Sprintf("directory-signature block: %v", err))
		}
		sig.Signature = sigBytes
		out = append(out, sig)
	}
	return out, nil
}

// ValidateSignatures recomputes the document digest over the
// "network-status-version" .. "directory-signature " range using each
// signature's declared algorithm and verifies it against the matching
// authority's signing key in certs (keyed by identity-key fingerprint, as
// returned by KeyCertificate.Fingerprint). Every signature must verify;
// the first failure names its authority and is returned immediately.
func (ns *NetworkStatus) ValidateSignatures(certs map[string]*KeyCertificate) error {
	base, err := ns.doc.SignedRange("network-status-version", "directory-signature")
	if err != nil {
		return err
	}

	for _, sig := range ns.Signatures {
		cert, ok := certs[strings.ToUpper(sig.IdentityDigest)]
		if !ok {
			return &SignatureInvalid{Signer: sig.IdentityDigest, Reason: "no key certificate supplied for this authority"}
		}
		signingKey, err := RSAPublicKeyFromPEM(cert.SigningKeyPEM)
		if err != nil {
			return &SignatureInvalid{Signer: sig.IdentityDigest, Reason: err.Error()}
		}

		signed := append(append([]byte{}, base...), []byte("directory-signature ")...)

		var digest []byte
		var hashFn crypto.Hash
		switch strings.ToLower(sig.Algorithm) {
		case "", "sha1":
			sum := sha1.Sum(signed) // #nosec G401
			digest = sum[:]
			hashFn = crypto.SHA1
		case "sha256":
			sum := sha256.Sum256(signed)
			digest = sum[:]
			hashFn = crypto.SHA256
		default:
			return &SignatureInvalid{Signer: sig.IdentityDigest, Reason: fmt.Sprintf("unsupported digest algorithm %q", sig.Algorithm)}
		}

		if err := rsa.VerifyPKCS1v15(signingKey, hashFn, digest, sig.Signature); err != nil {
			return &SignatureInvalid{Signer: sig.IdentityDigest, Reason: err.Error()}
		}
	}
	return nil
}
