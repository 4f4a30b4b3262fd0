package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/logging"
)

// Coordinator drives one side of a pairing exchange, publishing or
// discovering an Advertisement over whichever of the local advertiser and
// relay rendezvous are configured. relay may be nil, in which case pairing
// is local-network only.
type Coordinator struct {
	advertiser Advertiser
	locator    Locator
	relay      RelayRendezvous
	logger     *slog.Logger
}

// NewCoordinator builds a Coordinator. advertiser and locator are typically
// the same *UDPDiscovery value; relay may be nil.
func NewCoordinator(advertiser Advertiser, locator Locator, relay RelayRendezvous, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Coordinator{advertiser: advertiser, locator: locator, relay: relay, logger: logger}
}

// Advertise starts a new initiator-side pairing Session, publishing it over
// the local advertiser and, if configured, registering it on the relay. The
// returned cancel func unregisters both best-effort; callers should call it
// once pairing completes or the user gives up.
func (c *Coordinator) Advertise(ctx context.Context, localIdentity *identity.Keypair, deviceName string, ttl time.Duration) (*Session, func(), error) {
	session, err := NewSession(localIdentity, deviceName, ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("create pairing session: %w", err)
	}
	ad := session.Advertisement()

	if c.advertiser != nil {
		if err := c.advertiser.Advertise(ctx, ad); err != nil {
			c.logger.Warn("local pairing advertisement failed", "error", err)
		}
	}
	if c.relay != nil {
		if err := c.relay.Register(ctx, ad); err != nil {
			c.logger.Warn("relay pairing registration failed", "error", err)
		}
	}

	cancel := func() {
		if c.advertiser != nil {
			c.advertiser.Unadvertise()
		}
		if c.relay != nil {
			// Best-effort: the record expires on its own via TTL even if
			// this call fails or ctx is already gone.
			delCtx, delCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer delCancel()
			if err := c.relay.Delete(delCtx, session.Code); err != nil {
				c.logger.Debug("relay pairing rendezvous cleanup failed", "error", err)
			}
		}
	}
	return session, cancel, nil
}

// Join completes pairing as the responder: code has already been obtained
// out of band (typed in or scanned). It looks for a matching Advertisement
// locally first, falling back to the relay rendezvous, and returns
// ErrNotFound if neither has it.
//
// Once paired, Join echoes its own Advertisement back under the same code,
// best-effort, over whichever of the local advertiser and relay are
// configured. This is what lets the initiator's AwaitPairing notice the
// exchange completed: the responder never learns the initiator's address
// any other way, so the reply has to travel over the same rendezvous the
// initiator is already polling.
func (c *Coordinator) Join(ctx context.Context, localIdentity *identity.Keypair, deviceName string, code string, ttl time.Duration) (*PairedDevice, error) {
	ad, viaRelay, err := c.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if ad == nil {
		return nil, ErrNotFound
	}

	session, err := JoinSession(localIdentity, deviceName, code, ttl)
	if err != nil {
		return nil, fmt.Errorf("create pairing session: %w", err)
	}

	paired, err := session.Complete(*ad, viaRelay)
	if err != nil {
		return nil, err
	}

	reply := session.Advertisement()
	if c.advertiser != nil {
		if err := c.advertiser.Advertise(ctx, reply); err != nil {
			c.logger.Warn("local pairing reply failed", "error", err)
		}
	}
	if c.relay != nil {
		if err := c.relay.Register(ctx, reply); err != nil {
			c.logger.Warn("relay pairing reply failed", "error", err)
		}
	}

	return paired, nil
}

// pollInterval is how often AwaitPairing re-checks the advertiser/relay
// rendezvous for a responder's reply.
const pollInterval = 500 * time.Millisecond

// AwaitPairing blocks on the initiator side of an Advertise call until a
// responder's reply advertisement appears under session.Code, the session
// expires, or ctx is canceled. It distinguishes the responder's reply from
// the initiator's own rebroadcast (local UDP broadcasts are often looped
// back to the sender) by identity public key: self.Advertisement() always
// carries session's own identity, so the first differing one found is the
// peer's.
func (c *Coordinator) AwaitPairing(ctx context.Context, session *Session) (*PairedDevice, error) {
	self := session.identity.PublicKey

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if session.Expired() {
			return nil, ErrSessionExpired
		}

		ad, viaRelay, err := c.lookup(ctx, session.Code)
		if err != nil {
			return nil, err
		}
		if ad != nil && ad.IdentityPublicKey != self {
			return session.Complete(*ad, viaRelay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) lookup(ctx context.Context, code string) (*Advertisement, bool, error) {
	if c.locator != nil {
		if ad, ok, err := c.locator.Lookup(ctx, code); err != nil {
			c.logger.Debug("local pairing lookup failed", "error", err)
		} else if ok {
			return ad, false, nil
		}
	}
	if c.relay != nil {
		ad, ok, err := c.relay.Lookup(ctx, code)
		if err != nil {
			return nil, false, fmt.Errorf("relay pairing lookup: %w", err)
		}
		if ok {
			return ad, true, nil
		}
	}
	return nil, false, nil
}
