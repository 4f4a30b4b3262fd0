package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/toss/internal/logging"
)

// Advertiser publishes an Advertisement so peers on the same local network
// can find it without involving the relay. Callers re-publish periodically
// until Unadvertise is called or the advertisement's TTL elapses.
type Advertiser interface {
	Advertise(ctx context.Context, ad Advertisement) error
	Unadvertise() error
}

// Locator looks up an Advertisement by pairing code on the local network.
// A (nil, false, nil) result means "not found here, keep looking" — callers
// fall back to the relay rendezvous, per spec's local-then-relay ordering.
type Locator interface {
	Lookup(ctx context.Context, code string) (*Advertisement, bool, error)
}

// broadcastPort is the fixed UDP port both sides listen/broadcast on for
// local pairing discovery.
const broadcastPort = 47891

// UDPDiscovery implements both Advertiser and Locator over an IPv4
// broadcast socket: a JSON-encoded Advertisement sent to 255.255.255.255,
// re-broadcast on an interval, and a listener that answers Lookup calls
// from whatever it has most recently overheard.
type UDPDiscovery struct {
	logger *slog.Logger

	mu      sync.RWMutex
	seen    map[string]Advertisement
	conn    *net.UDPConn
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewUDPDiscovery opens a broadcast-capable UDP socket on broadcastPort.
func NewUDPDiscovery(logger *slog.Logger) (*UDPDiscovery, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: broadcastPort})
	if err != nil {
		return nil, fmt.Errorf("listen for pairing broadcasts: %w", err)
	}

	d := &UDPDiscovery{
		logger: logger,
		seen:   make(map[string]Advertisement),
		conn:   conn,
	}
	go d.listen()
	return d, nil
}

func (d *UDPDiscovery) listen() {
	buf := make([]byte, 4096)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}

		var ad Advertisement
		if err := json.Unmarshal(buf[:n], &ad); err != nil {
			continue
		}
		if ad.Code == "" {
			continue
		}

		d.mu.Lock()
		d.seen[ad.Code] = ad
		d.mu.Unlock()
	}
}

// Advertise periodically re-broadcasts ad until ctx is canceled or the
// advertisement expires.
func (d *UDPDiscovery) Advertise(ctx context.Context, ad Advertisement) error {
	payload, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("marshal advertisement: %w", err)
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.stopped = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.stopped)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
				d.logger.Debug("pairing broadcast failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ad.Expired() {
					return
				}
			}
		}
	}()

	return nil
}

// Unadvertise stops any in-flight periodic broadcast started by Advertise.
func (d *UDPDiscovery) Unadvertise() error {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stopped
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
	return nil
}

// Lookup returns the most recently overheard advertisement for code, if
// any, and if it has not expired.
func (d *UDPDiscovery) Lookup(ctx context.Context, code string) (*Advertisement, bool, error) {
	d.mu.RLock()
	ad, ok := d.seen[code]
	d.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if ad.Expired() {
		return nil, false, nil
	}
	return &ad, true, nil
}

// Close shuts down the discovery socket.
func (d *UDPDiscovery) Close() error {
	d.Unadvertise()
	return d.conn.Close()
}
