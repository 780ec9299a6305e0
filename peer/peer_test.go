package peer

import (
	"bytes"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"

	"chunkcast/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	discoveryPort, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		ChunkDir:          t.TempDir(),
		DownloadDir:       filepath.Join(t.TempDir(), "downloads"),
		ServePort:         0,
		DiscoveryPort:     discoveryPort,
		BroadcastAddr:     "127.0.0.1",
		ChunkSize:         1024,
		AnnounceInterval:  100 * time.Millisecond,
		StaleAfter:        10 * time.Second,
		SweepInterval:     time.Second,
		PoolIdleAfter:     time.Minute,
		PoolCleanInterval: 10 * time.Second,
		DialTimeout:       time.Second,
		RequestTimeout:    2 * time.Second,
		ServerIdleTimeout: 5 * time.Second,
		DownloadWorkers:   3,
		ChunkRetries:      2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// A peer announces to loopback as well as the broadcast address, so its own
// listener hears the announcement and the catalog lists the peer itself as a
// holder. Share then Fetch therefore exercises the whole node end to end.
func TestShareThenFetchThroughOwnStack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	p, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	data := make([]byte, 3*1024+17)
	rand.Read(data)
	src := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	n, err := p.Share(src)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("shared %d chunks, want 4", n)
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, name := range p.KnownFiles() {
			if name == "report.pdf" {
				return true
			}
		}
		return false
	})

	out, err := p.Fetch("report.pdf")
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("fetched file differs from the shared original")
	}

	status := p.Status()
	if !strings.Contains(status, "report.pdf") {
		t.Errorf("status does not mention the shared file:\n%s", status)
	}
}

func TestStopWithoutStartReleasesSockets(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogDB = filepath.Join(t.TempDir(), "catalog.db")

	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}

	// New binds the discovery socket; Stop must release it even when the
	// peer never ran.
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.DiscoveryPort})
	if err != nil {
		t.Fatalf("discovery port still held after Stop: %v", err)
	}
	ln.Close()
}

func TestFetchUnknownFileFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	p, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if _, err := p.Fetch("never-announced.bin"); err == nil {
		t.Fatal("expected an error fetching a file nobody announced")
	}
}
