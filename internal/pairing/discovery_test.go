package pairing

import (
	"context"
	"testing"
	"time"
)

func testAdvertisement(code string) Advertisement {
	return Advertisement{
		Code:       code,
		DeviceName: "test-device",
		CreatedAt:  time.Now(),
		TTL:        time.Minute,
	}
}

func TestUDPDiscovery_LookupMiss(t *testing.T) {
	d, err := NewUDPDiscovery(nil)
	if err != nil {
		t.Skipf("UDP broadcast socket unavailable in this environment: %v", err)
	}
	defer d.Close()

	_, ok, err := d.Lookup(context.Background(), "999999")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("Lookup for a code nothing advertised should report not-found")
	}
}

func TestUDPDiscovery_SeenExpiresOut(t *testing.T) {
	d, err := NewUDPDiscovery(nil)
	if err != nil {
		t.Skipf("UDP broadcast socket unavailable in this environment: %v", err)
	}
	defer d.Close()

	ad := testAdvertisement("123456")
	ad.TTL = time.Nanosecond
	ad.CreatedAt = time.Now().Add(-time.Hour)

	d.mu.Lock()
	d.seen[ad.Code] = ad
	d.mu.Unlock()

	_, ok, err := d.Lookup(context.Background(), ad.Code)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("Lookup should treat an expired seen advertisement as not-found")
	}
}

func TestUDPDiscovery_SeenHit(t *testing.T) {
	d, err := NewUDPDiscovery(nil)
	if err != nil {
		t.Skipf("UDP broadcast socket unavailable in this environment: %v", err)
	}
	defer d.Close()

	ad := testAdvertisement("424242")

	d.mu.Lock()
	d.seen[ad.Code] = ad
	d.mu.Unlock()

	got, ok, err := d.Lookup(context.Background(), ad.Code)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Lookup should find a freshly seen advertisement")
	}
	if got.DeviceName != ad.DeviceName {
		t.Errorf("DeviceName = %q, want %q", got.DeviceName, ad.DeviceName)
	}
}

func TestUDPDiscovery_UnadvertiseWithoutAdvertiseIsNoop(t *testing.T) {
	d, err := NewUDPDiscovery(nil)
	if err != nil {
		t.Skipf("UDP broadcast socket unavailable in this environment: %v", err)
	}
	defer d.Close()

	if err := d.Unadvertise(); err != nil {
		t.Errorf("Unadvertise() with nothing advertised should be a no-op, got %v", err)
	}
}

func TestUDPDiscovery_AdvertiseThenUnadvertise(t *testing.T) {
	d, err := NewUDPDiscovery(nil)
	if err != nil {
		t.Skipf("UDP broadcast socket unavailable in this environment: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ad := testAdvertisement("555555")
	if err := d.Advertise(ctx, ad); err != nil {
		t.Fatalf("Advertise: %v", err)
	}

	// Unadvertise must return once the broadcast goroutine has actually
	// stopped, not just after requesting cancellation.
	done := make(chan struct{})
	go func() {
		d.Unadvertise()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Unadvertise did not return promptly")
	}
}
