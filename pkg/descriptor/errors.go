package descriptor

import "fmt"

// MalformedDescriptor reports a structural violation of a directory
// document's keyword grammar (missing/duplicate keyword, bad range,
// truncated block).
type MalformedDescriptor struct {
	Reason string
}

func (e *MalformedDescriptor) Error() string {
	return fmt.Sprintf("malformed descriptor: %s", e.Reason)
}

// NewMalformed constructs a MalformedDescriptor with the given reason.
func NewMalformed(reason string) *MalformedDescriptor {
	return &MalformedDescriptor{Reason: reason}
}

// SignatureInvalid reports a failed cryptographic signature check,
// optionally naming the signer (e.g. a directory authority nickname) that
// failed.
type SignatureInvalid struct {
	Signer string
	Reason string
}

func (e *SignatureInvalid) Error() string {
	if e.Signer != "" {
		return fmt.Sprintf("signature invalid (signer %s): %s", e.Signer, e.Reason)
	}
	return fmt.Sprintf("signature invalid: %s", e.Reason)
}
