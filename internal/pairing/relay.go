package pairing

import "context"

// RelayRendezvous is the relay-side half of pairing discovery: a
// short-lived (TTL <= DefaultTTL) key-value record keyed by pairing code,
// used when two devices can't find each other's local-network
// advertisement. internal/relay's HTTP client implements this against the
// relay's pairing endpoints.
type RelayRendezvous interface {
	// Register publishes ad on the relay. Both sides race to register;
	// whichever arrives first wins, and the second Register for the same
	// code simply overwrites it (pairing codes are single-use and short
	// lived, so this is not considered a conflict).
	Register(ctx context.Context, ad Advertisement) error

	// Lookup fetches the rendezvous record for code, if present and
	// unexpired. A (nil, false, nil) result means not found.
	Lookup(ctx context.Context, code string) (*Advertisement, bool, error)

	// Delete removes the rendezvous record for code. Best-effort: callers
	// ignore errors from Delete on cancellation.
	Delete(ctx context.Context, code string) error
}
