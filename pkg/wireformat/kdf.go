package wireformat

import (
	"crypto/sha1" // #nosec G505 - SHA-1 required by KDF-TOR (tor-spec.txt section 5.2.1)
	"fmt"
)

// Field lengths produced by KDF-TOR, per tor-spec.txt section 5.2.1.
const (
	kdfHashLen = 20
	kdfKeyLen  = 16
)

// KDF holds the five named outputs of the KDF-TOR key derivation.
type KDF struct {
	KeyHash        []byte // proof of shared key
	ForwardDigest  []byte // forward digest seed
	BackwardDigest []byte // backward digest seed
	ForwardKey     []byte // forward encryption key
	BackwardKey    []byte // backward encryption key
}

// KDFFromValue derives the KDF-TOR outputs from the concatenated handshake
// key material: K = H(K0|[0]) | H(K0|[1]) | H(K0|[2]) | ...
func KDFFromValue(material []byte) (KDF, error) {
	need := kdfKeyLen*2 + kdfHashLen*3
	derived := make([]byte, 0, need+kdfHashLen)

	for counter := 0; len(derived) < need; counter++ {
		counterByte, err := CHAR.Pack(int64(counter))
		if err != nil {
			return KDF{}, fmt.Errorf("wireformat: kdf counter: %w", err)
		}
		h := sha1.New() // #nosec G401
		h.Write(material)
		h.Write(counterByte)
		derived = append(derived, h.Sum(nil)...)
	}

	keyHash, derived := derived[:kdfHashLen], derived[kdfHashLen:]
	forwardDigest, derived := derived[:kdfHashLen], derived[kdfHashLen:]
	backwardDigest, derived := derived[:kdfHashLen], derived[kdfHashLen:]
	forwardKey, derived := derived[:kdfKeyLen], derived[kdfKeyLen:]
	backwardKey := derived[:kdfKeyLen]

	return KDF{
		KeyHash:        keyHash,
		ForwardDigest:  forwardDigest,
		BackwardDigest: backwardDigest,
		ForwardKey:     forwardKey,
		BackwardKey:    backwardKey,
	}, nil
}
