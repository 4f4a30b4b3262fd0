package pairing

import "crypto/subtle"

// constantTimeCodeEqual compares two pairing codes without leaking timing
// information about how many leading digits matched. A length mismatch is
// itself constant-time-compared against a zero-padded buffer rather than
// short-circuited, so code length never leaks either.
func constantTimeCodeEqual(a, b string) bool {
	buf := make([]byte, CodeLength)
	copy(buf, a)
	other := make([]byte, CodeLength)
	copy(other, b)
	lengthEqual := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return subtle.ConstantTimeCompare(buf, other)&lengthEqual == 1
}
