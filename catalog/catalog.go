package catalog

import (
	"sort"
	"sync"
	"time"

	"chunkcast/pkg/logger"
	"chunkcast/pkg/protocol"
)

// PeerEntry is one known holder of a chunk identity.
type PeerEntry struct {
	Addr     string
	LastSeen time.Time
}

// Catalog is the content dictionary: which peers currently hold which chunk
// identities, plus a file-name index so downloads can be keyed by name.
// The listener upserts, the sweep evicts, download workers read snapshots.
type Catalog struct {
	mu sync.RWMutex
	// identity -> peer addr -> entry
	holders map[string]map[string]*PeerEntry
	// file name -> chunk index -> identity
	files map[string]map[uint32]string
	dirty bool

	mirror *Mirror

	sweepStart sync.Once
	sweeping   bool
	quitCh     chan struct{}
	doneCh     chan struct{}
}

func New() *Catalog {
	return &Catalog{
		holders: make(map[string]map[string]*PeerEntry),
		files:   make(map[string]map[uint32]string),
		quitCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Upsert records that addr held every ref at time seen. A repeat announcement
// refreshes the holder's timestamp in place; it never duplicates an entry.
func (c *Catalog) Upsert(addr string, refs []protocol.ChunkRef, seen time.Time) {
	if len(refs) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range refs {
		peers, ok := c.holders[ref.Identity]
		if !ok {
			peers = make(map[string]*PeerEntry)
			c.holders[ref.Identity] = peers
		}
		if entry, ok := peers[addr]; ok {
			if seen.After(entry.LastSeen) {
				entry.LastSeen = seen
			}
		} else {
			peers[addr] = &PeerEntry{Addr: addr, LastSeen: seen}
			c.dirty = true
		}

		indexes, ok := c.files[ref.FileName]
		if !ok {
			indexes = make(map[uint32]string)
			c.files[ref.FileName] = indexes
		}
		if indexes[ref.Index] != ref.Identity {
			// The same index advertised under a new identity replaces the
			// mapping; verification rejects whichever one is wrong.
			indexes[ref.Index] = ref.Identity
			c.dirty = true
		}
	}
}

// PeersFor snapshots the holders of an identity, most recently seen first.
func (c *Catalog) PeersFor(identity string) []PeerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := c.holders[identity]
	if len(peers) == 0 {
		return nil
	}

	out := make([]PeerEntry, 0, len(peers))
	for _, entry := range peers {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// ChunksFor snapshots the known chunk refs of a file, ordered by index.
func (c *Catalog) ChunksFor(fileName string) []protocol.ChunkRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	indexes := c.files[fileName]
	if len(indexes) == 0 {
		return nil
	}

	out := make([]protocol.ChunkRef, 0, len(indexes))
	for index, identity := range indexes {
		out = append(out, protocol.ChunkRef{FileName: fileName, Index: index, Identity: identity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Files lists every file name with at least one known chunk.
func (c *Catalog) Files() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.files))
	for name := range c.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HolderCount reports how many distinct peers hold the identity.
func (c *Catalog) HolderCount(identity string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.holders[identity])
}

// StartSweep runs periodic eviction of holders not refreshed within
// staleAfter, plus mirror flushes when the dictionary changed.
func (c *Catalog) StartSweep(interval, staleAfter time.Duration) {
	c.sweepStart.Do(func() {
		c.mu.Lock()
		c.sweeping = true
		c.mu.Unlock()
		go func() {
			defer close(c.doneCh)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-c.quitCh:
					c.flushMirror()
					return
				case <-ticker.C:
					c.sweepOnce(time.Now(), staleAfter)
					c.flushMirror()
				}
			}
		}()
	})
}

// StopSweep stops the background sweep and waits for its final flush.
// Safe to call whether or not the sweep ever started.
func (c *Catalog) StopSweep() {
	c.mu.RLock()
	sweeping := c.sweeping
	c.mu.RUnlock()

	select {
	case <-c.quitCh:
	default:
		close(c.quitCh)
	}
	if sweeping {
		<-c.doneCh
	}
}

// sweepOnce evicts every holder whose last-seen is older than staleAfter at
// now, and returns how many entries were removed. Identities left with no
// holders are dropped entirely, along with the file index entries that
// pointed at them, so a file nobody holds anymore stops being listed.
func (c *Catalog) sweepOnce(now time.Time, staleAfter time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	var gone map[string]struct{}
	for identity, peers := range c.holders {
		for addr, entry := range peers {
			if now.Sub(entry.LastSeen) > staleAfter {
				delete(peers, addr)
				evicted++
				logger.Sugar.Infof("[Catalog] evicted stale holder: peer=%s identity=%s", addr, identity)
			}
		}
		if len(peers) == 0 {
			delete(c.holders, identity)
			if gone == nil {
				gone = make(map[string]struct{})
			}
			gone[identity] = struct{}{}
		}
	}

	if len(gone) > 0 {
		for fileName, indexes := range c.files {
			for index, identity := range indexes {
				if _, ok := gone[identity]; ok {
					delete(indexes, index)
				}
			}
			if len(indexes) == 0 {
				delete(c.files, fileName)
				logger.Sugar.Infof("[Catalog] forgot file with no remaining holders: %s", fileName)
			}
		}
	}

	if evicted > 0 {
		c.dirty = true
	}
	return evicted
}
