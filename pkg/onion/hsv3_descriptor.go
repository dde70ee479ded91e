package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha3"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/torproject-go/gotor-core/pkg/certificate"
	"github.com/torproject-go/gotor-core/pkg/descriptor"
)

// Hidden-service v3 descriptor layer-encryption constants (rend-spec-v3.txt
// section 2.5.3).
const (
	hsv3SecretKeyLen = 32 // AES-256
	hsv3SecretIVLen  = 16
	hsv3MACKeyLen    = 32

	hsv3SuperencryptedConstant = "hsdir-superencrypted-data"
	hsv3EncryptedConstant      = "hsdir-encrypted-data"

	hsv3DescriptorSigPrefix = "Tor onion service descriptor sig v3"
)

// HSv3EncryptedDescriptor is the still-encrypted form of a v3 hidden
// service descriptor, as published to an HSDir: the outer document with
// its superencrypted blob intact.
type HSv3EncryptedDescriptor struct {
	Lifetime        int
	SigningKeyCert  *certificate.Certificate
	RevisionCounter uint64
	Superencrypted  []byte // decoded ciphertext blob: salt || ciphertext || mac
	Signature       []byte

	doc *descriptor.Document
}

// ParseHSv3Descriptor scans the outer layer of a v3 hidden-service
// descriptor: "hs-descriptor 3", "descriptor-lifetime", the Ed25519
// descriptor-signing-key certificate, the revision counter, the
// superencrypted block, and the top-level signature (spec.md section
// 4.5).
func ParseHSv3Descriptor(raw []byte) (*HSv3EncryptedDescriptor, error) {
	doc, err := descriptor.Scan(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.RequireFirstKeyword("hs-descriptor"); err != nil {
		return nil, err
	}
	header, err := doc.RequireSingle("hs-descriptor")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(header.Value) != "3" {
		return nil, descriptor.NewMalformed(fmt.Sprintf("unsupported hs-descriptor version %q", header.Value))
	}

	d := &HSv3EncryptedDescriptor{doc: doc}

	if e, ok := doc.FirstEntry("descriptor-lifetime"); ok {
		d.Lifetime, _ = strconv.Atoi(strings.TrimSpace(e.Value))
	}

	certEntry, err := doc.RequireSingle("descriptor-signing-key-cert")
	if err != nil {
		return nil, err
	}
	certBytes, err := base64PEMBody(certEntry.Block)
	if err != nil {
		return nil, descriptor.NewMalformed(fmt.Sprintf("descriptor-signing-key-cert: %v", err))
	}
	cert, err := certificate.Parse(certBytes)
	if err != nil {
		return nil, descriptor.NewMalformed(fmt.Sprintf("descriptor-signing-key-cert: %v", err))
	}
	if cert.Type != certificate.CertTypeHSV3DescSigningKey {
		return nil, descriptor.NewMalformed(fmt.Sprintf("descriptor-signing-key-cert: cert_type %d, want HS_V3_DESC_SIGNING", cert.Type))
	}
	d.SigningKeyCert = cert

	revEntry, err := doc.RequireSingle("revision-counter")
	if err != nil {
		return nil, err
	}
	rev, err := strconv.ParseUint(strings.TrimSpace(revEntry.Value), 10, 64)
	if err != nil {
		return nil, descriptor.NewMalformed("revision-counter: not an integer")
	}
	d.RevisionCounter = rev

	superEntry, err := doc.RequireSingle("superencrypted")
	if err != nil {
		return nil, err
	}
	d.Superencrypted, err = base64PEMBody(superEntry.Block)
	if err != nil {
		return nil, descriptor.NewMalformed(fmt.Sprintf("superencrypted: %v", err))
	}

	sigEntry, err := doc.RequireSingle("signature")
	if err != nil {
		return nil, err
	}
	sig, err := decodeUnpaddedBase64(strings.TrimSpace(sigEntry.Value))
	if err != nil {
		return nil, descriptor.NewMalformed(fmt.Sprintf("signature: %v", err))
	}
	d.Signature = sig

	return d, nil
}

// base64PEMBody extracts and decodes the base64 body of a "-----BEGIN
// MESSAGE-----\n...\n-----END MESSAGE-----" style block.
func base64PEMBody(block []byte) ([]byte, error) {
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

func decodeUnpaddedBase64(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}

// VerifySignature validates the Ed25519 signature covering
// "Tor onion service descriptor sig v3" || the document bytes from
// "hs-descriptor 3" up through and including the literal "signature "
// marker, signed by the descriptor-signing-key-cert's certified key
// (the medium-term descriptor signing key).
func (d *HSv3EncryptedDescriptor) VerifySignature() error {
	signedRange, err := d.doc.SignedRange("hs-descriptor", "signature")
	if err != nil {
		return err
	}
	signedRange = append(signedRange, []byte("signature ")...)

	message := append([]byte(hsv3DescriptorSigPrefix), signedRange...)
	signingKey := ed25519.PublicKey(d.SigningKeyCert.CertifiedKey[:])
	if !ed25519.Verify(signingKey, message, d.Signature) {
		return &descriptor.SignatureInvalid{Reason: "hidden service descriptor signature invalid"}
	}
	return nil
}

// OuterLayer is the decrypted "superencrypted" section: client
// authorization parameters and the still-encrypted inner layer.
type OuterLayer struct {
	AuthType    string
	AuthClients []string
	Encrypted   []byte // decoded ciphertext blob for the inner layer
}

// DecryptOuterLayer derives identity_pubkey and subcredential from addr,
// takes the blinded key from d's signing-key certificate, and decrypts the
// superencrypted blob (spec.md section 4.5, "decrypt(onion_address)").
func (d *HSv3EncryptedDescriptor) DecryptOuterLayer(addr *Address) (*OuterLayer, [32]byte, error) {
	var subcredential [32]byte

	blindedKey, ok := d.SigningKeyCert.SigningKey()
	if !ok {
		return nil, subcredential, descriptor.NewMalformed("descriptor-signing-key-cert has no HAS_SIGNING_KEY extension (blinded key)")
	}
	if err := d.SigningKeyCert.VerifyWithKey(blindedKey); err != nil {
		return nil, subcredential, fmt.Errorf("descriptor-signing-key-cert: %w", err)
	}

	subcredential = computeSubcredential(addr.Pubkey, blindedKey)

	plaintext, err := decryptLayer(d.Superencrypted, hsv3SuperencryptedConstant, d.RevisionCounter, subcredential, blindedKey)
	if err != nil {
		return nil, subcredential, fmt.Errorf("superencrypted layer: %w", err)
	}

	doc, err := descriptor.Scan(plaintext)
	if err != nil {
		return nil, subcredential, err
	}

	outer := &OuterLayer{}
	if e, ok := doc.FirstEntry("desc-auth-type"); ok {
		outer.AuthType = e.Value
	}
	for _, e := range doc.All("auth-client") {
		outer.AuthClients = append(outer.AuthClients, e.Value)
	}

	encEntry, err := doc.RequireSingle("encrypted")
	if err != nil {
		return nil, subcredential, err
	}
	outer.Encrypted, err = base64PEMBody(encEntry.Block)
	if err != nil {
		return nil, subcredential, descriptor.NewMalformed(fmt.Sprintf("encrypted: %v", err))
	}

	return outer, subcredential, nil
}

// InnerLayer is the fully decrypted introduction-point set.
type InnerLayer struct {
	CreateFormats      []int
	IntroAuthRequired  []string
	SingleOnionService bool
	IntroPoints        []IntroductionPoint
}

// DecryptInnerLayer decrypts outer's Encrypted blob with the
// hsdir-encrypted-data constant and parses the resulting
// create2-formats/introduction-point records.
func DecryptInnerLayer(outer *OuterLayer, revisionCounter uint64, subcredential [32]byte, blindedKey ed25519.PublicKey) (*InnerLayer, error) {
	plaintext, err := decryptLayer(outer.Encrypted, hsv3EncryptedConstant, revisionCounter, subcredential, blindedKey)
	if err != nil {
		return nil, fmt.Errorf("encrypted layer: %w", err)
	}

	doc, err := descriptor.Scan(plaintext)
	if err != nil {
		return nil, err
	}

	inner := &InnerLayer{}
	if e, ok := doc.FirstEntry("create2-formats"); ok {
		for _, f := range strings.Fields(e.Value) {
			n, err := strconv.Atoi(f)
			if err == nil {
				inner.CreateFormats = append(inner.CreateFormats, n)
			}
		}
	}
	if e, ok := doc.FirstEntry("intro-auth-required"); ok {
		inner.IntroAuthRequired = strings.Fields(e.Value)
	}
	if _, ok := doc.FirstEntry("single-onion-service"); ok {
		inner.SingleOnionService = true
	}

	inner.IntroPoints, err = parseIntroductionPoints(doc)
	if err != nil {
		return nil, err
	}
	return inner, nil
}

// parseIntroductionPoints splits doc's entries into per-"introduction-point"
// segments and parses each into an IntroductionPoint.
func parseIntroductionPoints(doc *descriptor.Document) ([]IntroductionPoint, error) {
	// Locate the entry index of each "introduction-point" occurrence so
	// segments can be sliced out of the full entry list.
	var boundaries []int
	for i, e := range doc.Entries {
		if e.Keyword == "introduction-point" {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) == 0 {
		return nil, nil
	}

	var points []IntroductionPoint
	for i, start := range boundaries {
		end := len(doc.Entries)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		segment := doc.Entries[start:end]
		point, err := parseIntroductionPointSegment(segment)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

func parseIntroductionPointSegment(segment []descriptor.Entry) (IntroductionPoint, error) {
	var point IntroductionPoint

	for _, e := range segment {
		switch e.Keyword {
		case "introduction-point":
			linkSpecs, err := decodeUnpaddedBase64(strings.TrimSpace(e.Value))
			if err != nil {
				return point, descriptor.NewMalformed(fmt.Sprintf("introduction-point: invalid base64 link-specifiers: %v", err))
			}
			point.LinkSpecifiers, err = parseLinkSpecifiers(linkSpecs)
			if err != nil {
				return point, err
			}
		case "onion-key":
			_, key, ok := strings.Cut(e.Value, " ")
			if ok {
				k, err := decodeUnpaddedBase64(key)
				if err == nil {
					point.OnionKey = k
				}
			}
		case "enc-key":
			_, key, ok := strings.Cut(e.Value, " ")
			if ok {
				k, err := decodeUnpaddedBase64(key)
				if err == nil {
					point.EncKey = k
				}
			}
		case "auth-key":
			certBytes, err := base64PEMBody(e.Block)
			if err == nil {
				point.AuthKey = certBytes
			}
		case "enc-key-cert":
			certBytes, err := base64PEMBody(e.Block)
			if err == nil {
				point.EncKeyCert = certBytes
			}
		case "legacy-key":
			point.LegacyKeyID, _ = base64PEMBody(e.Block)
		}
	}
	return point, nil
}

// parseLinkSpecifiers decodes a LinkSpecifier list: 1-byte count, then for
// each: 1-byte type, 1-byte length, data.
func parseLinkSpecifiers(raw []byte) ([]LinkSpecifier, error) {
	if len(raw) < 1 {
		return nil, descriptor.NewMalformed("link-specifier list is empty")
	}
	count := int(raw[0])
	raw = raw[1:]

	specs := make([]LinkSpecifier, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < 2 {
			return nil, descriptor.NewMalformed("link-specifier truncated")
		}
		typ := raw[0]
		length := int(raw[1])
		raw = raw[2:]
		if len(raw) < length {
			return nil, descriptor.NewMalformed("link-specifier data truncated")
		}
		data := make([]byte, length)
		copy(data, raw[:length])
		raw = raw[length:]
		specs = append(specs, LinkSpecifier{Type: typ, Data: data})
	}
	return specs, nil
}

// computeSubcredential derives the subcredential used to key every
// layer-decryption of a hidden service's descriptors (rend-spec-v3.txt
// section 2.5.1): credential = SHA3-256("credential" || identity_pubkey),
// subcredential = SHA3-256("subcredential" || credential || blinded_pubkey).
func computeSubcredential(identityPubkey, blindedPubkey []byte) [32]byte {
	credH := sha3.New256()
	credH.Write([]byte("credential"))
	credH.Write(identityPubkey)
	credential := credH.Sum(nil)

	subH := sha3.New256()
	subH.Write([]byte("subcredential"))
	subH.Write(credential)
	subH.Write(blindedPubkey)
	var out [32]byte
	copy(out[:], subH.Sum(nil))
	return out
}

// decryptLayer implements rend-spec-v3.txt section 2.5.3's layer
// decryption: derive (SECRET_KEY, SECRET_IV, MAC_KEY) via SHAKE256 over
// (blinded_pubkey || subcredential || revision_counter || salt ||
// constant), verify the trailing MAC, then AES-256-CTR decrypt.
func decryptLayer(block []byte, constant string, revisionCounter uint64, subcredential [32]byte, blindedKey ed25519.PublicKey) ([]byte, error) {
	const saltLen = 16
	const macLen = 32
	if len(block) < saltLen+macLen {
		return nil, descriptor.NewMalformed("encrypted block too short for salt+mac")
	}
	salt := block[:saltLen]
	ciphertext := block[saltLen : len(block)-macLen]
	macTag := block[len(block)-macLen:]

	var revCounter [8]byte
	binary.BigEndian.PutUint64(revCounter[:], revisionCounter)

	secretInput := make([]byte, 0, len(blindedKey)+len(subcredential)+8)
	secretInput = append(secretInput, blindedKey...)
	secretInput = append(secretInput, subcredential[:]...)
	secretInput = append(secretInput, revCounter[:]...)

	shake := sha3.NewSHAKE256()
	shake.Write(secretInput)
	shake.Write(salt)
	shake.Write([]byte(constant))

	keyMaterial := make([]byte, hsv3SecretKeyLen+hsv3SecretIVLen+hsv3MACKeyLen)
	if _, err := shake.Read(keyMaterial); err != nil {
		return nil, fmt.Errorf("descriptor: SHAKE256 key derivation: %w", err)
	}
	secretKey := keyMaterial[:hsv3SecretKeyLen]
	secretIV := keyMaterial[hsv3SecretKeyLen : hsv3SecretKeyLen+hsv3SecretIVLen]
	macKey := keyMaterial[hsv3SecretKeyLen+hsv3SecretIVLen:]

	computedMac := computeLayerMAC(macKey, salt, ciphertext)
	if subtle.ConstantTimeCompare(computedMac, macTag) != 1 {
		return nil, descriptor.NewMalformed("layer MAC verification failed (wrong onion address, revision counter, or tampered descriptor)")
	}

	cipherBlock, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, fmt.Errorf("descriptor: construct AES-256 cipher: %w", err)
	}
	stream := cipher.NewCTR(cipherBlock, secretIV)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// computeLayerMAC implements rend-spec-v3.txt's MAC construction:
// SHA3-256(INT_8(len(mac_key)) || mac_key || INT_8(len(salt)) || salt ||
// INT_8(len(encrypted)) || encrypted).
func computeLayerMAC(macKey, salt, ciphertext []byte) []byte {
	h := sha3.New256()
	writeLengthPrefixed(h, macKey)
	writeLengthPrefixed(h, salt)
	writeLengthPrefixed(h, ciphertext)
	return h.Sum(nil)
}

func writeLengthPrefixed(h interface{ Write([]byte) (int, error) }, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}
