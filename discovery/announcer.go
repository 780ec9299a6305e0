package discovery

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"chunkcast/pkg/logger"
	"chunkcast/pkg/monitor"
	"chunkcast/pkg/protocol"
	"chunkcast/pkg/storage"
)

// Announcer broadcasts the local chunk inventory on a fixed interval. Every
// tick it rescans the chunk store, so chunks added or removed between ticks
// are picked up without restarts.
type Announcer struct {
	store     *storage.Store
	servePort int
	targets   []*net.UDPAddr
	interval  time.Duration

	conn *net.UDPConn

	// digest cache, keyed by the chunk file's stat fingerprint so a chunk is
	// only rehashed when its file actually changes
	mu      sync.Mutex
	digests map[digestKey]string

	started bool
	quitCh  chan struct{}
	doneCh  chan struct{}
}

type digestKey struct {
	name    string
	size    int64
	modTime int64
}

// NewAnnouncer resolves the target addresses and binds the sending socket.
// Targets are "host:port" strings; broadcast addresses are allowed.
func NewAnnouncer(store *storage.Store, servePort int, targets []string, interval time.Duration) (*Announcer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind announce socket: %w", err)
	}

	resolved := make([]*net.UDPAddr, 0, len(targets))
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve announce target %s: %w", target, err)
		}
		resolved = append(resolved, addr)
	}
	if len(resolved) == 0 {
		conn.Close()
		return nil, fmt.Errorf("announcer needs at least one target")
	}

	return &Announcer{
		store:     store,
		servePort: servePort,
		targets:   resolved,
		interval:  interval,
		conn:      conn,
		digests:   make(map[digestKey]string),
		quitCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start announces immediately, then on every tick until Stop.
func (a *Announcer) Start() {
	a.started = true
	go func() {
		defer close(a.doneCh)

		if err := a.AnnounceOnce(); err != nil {
			logger.Sugar.Errorf("[Announcer] announce failed: %v", err)
		}

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.quitCh:
				return
			case <-ticker.C:
				if err := a.AnnounceOnce(); err != nil {
					// Never fatal; the next tick retries.
					logger.Sugar.Errorf("[Announcer] announce failed: %v", err)
				}
			}
		}
	}()
}

// AnnounceOnce scans the store and sends one announcement datagram to every
// target. An empty store sends nothing.
func (a *Announcer) AnnounceOnce() error {
	refs, err := a.inventory()
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	data, err := protocol.EncodeAnnouncement(protocol.Announcement{
		ServePort: a.servePort,
		Chunks:    refs,
		SentAt:    time.Now(),
	})
	if err != nil {
		return err
	}

	var lastErr error
	sent := 0
	for _, target := range a.targets {
		if _, err := a.conn.WriteToUDP(data, target); err != nil {
			logger.Sugar.Warnf("[Announcer] send to %s failed: %v", target, err)
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("announcement reached no target: %w", lastErr)
	}

	monitor.RecordAnnouncementSent()
	logger.Sugar.Debugf("[Announcer] announced %d chunks to %d targets", len(refs), sent)
	return nil
}

// inventory lists the local chunks with their identities, hashing only files
// the cache has not seen at their current size and mtime.
func (a *Announcer) inventory() ([]protocol.ChunkRef, error) {
	chunks, err := a.store.ListChunks()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[digestKey]struct{}, len(chunks))
	refs := make([]protocol.ChunkRef, 0, len(chunks))
	for _, chunk := range chunks {
		key := digestKey{name: chunk.Path, size: chunk.Size, modTime: chunk.ModTime.UnixNano()}
		live[key] = struct{}{}

		identity, ok := a.digests[key]
		if !ok {
			identity, err = hashFile(chunk.Path)
			if err != nil {
				logger.Sugar.Warnf("[Announcer] skipping unreadable chunk %s: %v", chunk.Path, err)
				continue
			}
			a.digests[key] = identity
		}

		refs = append(refs, protocol.ChunkRef{
			FileName: chunk.FileName,
			Index:    chunk.Index,
			Identity: identity,
		})
	}

	// Drop cache entries for chunks that no longer exist in this shape.
	for key := range a.digests {
		if _, ok := live[key]; !ok {
			delete(a.digests, key)
		}
	}

	return refs, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return storage.HashChunk(f)
}

// Stop halts the announce loop and closes the socket.
func (a *Announcer) Stop() {
	select {
	case <-a.quitCh:
	default:
		close(a.quitCh)
	}
	if a.started {
		<-a.doneCh
	}
	a.conn.Close()
}
