package connpool

import (
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestBorrowMissOnEmptyPool(t *testing.T) {
	p := New(4, time.Minute, nil)
	if _, ok := p.Borrow("example.com", 80); ok {
		t.Fatal("expected miss on empty pool")
	}
}

func TestAdoptReturnBorrowRoundTrip(t *testing.T) {
	p := New(4, time.Minute, nil)
	c, _ := pipePair(t)

	p.Adopt(c, "Example.com", 80)
	p.Return(c, "Example.com", 80, true)

	got, ok := p.Borrow("example.com", 80)
	if !ok {
		t.Fatal("expected hit after keep-alive return")
	}
	if got != c {
		t.Fatal("expected the same socket to be returned (scenario 4.2 round-trip)")
	}
}

func TestHostCanonicalizationIsCaseInsensitive(t *testing.T) {
	p := New(4, time.Minute, nil)
	c, _ := pipePair(t)
	p.Adopt(c, "EXAMPLE.com", 80)
	p.Return(c, "EXAMPLE.com", 80, true)

	if _, ok := p.Borrow("example.COM", 80); !ok {
		t.Fatal("expected case-insensitive host match")
	}
}

func TestReturnWithoutKeepAliveClosesSocket(t *testing.T) {
	p := New(4, time.Minute, nil)
	c, peer := pipePair(t)
	p.Adopt(c, "example.com", 80)
	p.Return(c, "example.com", 80, false)

	if _, ok := p.Borrow("example.com", 80); ok {
		t.Fatal("expected no slot after non-keep-alive return")
	}

	// peer should observe the close.
	buf := make([]byte, 1)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(buf); err == nil {
		t.Fatal("expected read error after pool closed the connection")
	}
}

func TestSweepIdleClosesExpiredSlot(t *testing.T) {
	p := New(4, 10*time.Millisecond, nil)
	c, _ := pipePair(t)
	p.Adopt(c, "example.com", 80)
	p.Return(c, "example.com", 80, true)

	time.Sleep(30 * time.Millisecond)
	if n := p.SweepIdle(); n != 1 {
		t.Fatalf("expected 1 slot swept, got %d", n)
	}
	if _, ok := p.Borrow("example.com", 80); ok {
		t.Fatal("expected miss after idle sweep")
	}
}

func TestNoSocketInTwoSlotsSimultaneously(t *testing.T) {
	p := New(2, time.Minute, nil)
	c, _ := pipePair(t)
	p.Adopt(c, "example.com", 80)
	p.Return(c, "example.com", 80, true)
	// Returning the same already-pooled connection again must not
	// duplicate it into a second slot.
	p.Return(c, "example.com", 80, true)

	total, _ := p.Stats()
	if total != 1 {
		t.Fatalf("expected exactly 1 occupied slot, got %d", total)
	}
}
