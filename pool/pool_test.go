package pool

import (
	"net"
	"testing"
	"time"
)

// acceptAll keeps the listener draining connections so dials succeed.
func acceptAll(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var held []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					c.Close()
				}
				return
			}
			// Hold the connection open; the tests only exercise pooling.
			held = append(held, conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestCheckoutReusesHealthyReturn(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, time.Minute)
	defer p.Close()

	first, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(first, true)

	second, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("healthy return must make the same connection reusable")
	}
	p.Return(second, true)
}

func TestUnhealthyReturnIsDiscarded(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, time.Minute)
	defer p.Close()

	first, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(first, false)

	if n := p.IdleCount(addr); n != 0 {
		t.Fatalf("unhealthy connection still pooled: %d idle", n)
	}

	second, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("checkout after unhealthy return must dial a new connection")
	}
	p.Return(second, true)
}

func TestConcurrentCheckoutsGetDistinctConns(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, time.Minute)
	defer p.Close()

	a, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two outstanding checkouts share one connection")
	}
	p.Return(a, true)
	p.Return(b, true)
}

func TestCleanerEvictsIdleConnections(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, 50*time.Millisecond)
	defer p.Close()

	conn, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(conn, true)

	if n := p.cleanOnce(time.Now()); n != 0 {
		t.Fatalf("fresh connection evicted: %d", n)
	}

	if n := p.cleanOnce(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if n := p.IdleCount(addr); n != 0 {
		t.Fatalf("evicted connection still pooled: %d idle", n)
	}
}

func TestReturnAfterCloseClosesConnection(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, time.Minute)

	conn, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// The cleaner is gone; an idled connection would leak forever.
	p.Return(conn, true)

	if n := p.IdleCount(addr); n != 0 {
		t.Fatalf("connection pooled after Close: %d idle", n)
	}
	if _, err := conn.Write([]byte("x")); err == nil {
		t.Fatal("connection returned after Close was left open")
	}
}

func TestStaleIdleConnectionNotHandedOut(t *testing.T) {
	addr, stop := acceptAll(t)
	defer stop()

	p := New(time.Second, 10*time.Millisecond)
	defer p.Close()

	first, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(first, true)

	time.Sleep(30 * time.Millisecond)

	second, err := p.Checkout(addr)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("idle connection past the threshold was handed out")
	}
	p.Return(second, true)
}
