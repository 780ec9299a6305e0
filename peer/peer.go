package peer

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"chunkcast/catalog"
	"chunkcast/discovery"
	"chunkcast/download"
	"chunkcast/pkg/config"
	"chunkcast/pkg/logger"
	"chunkcast/pkg/monitor"
	"chunkcast/pkg/storage"
	"chunkcast/pool"
	"chunkcast/server"
)

// Peer ties the full node together: the chunk store, the catalog built from
// announcements, the serving side and the downloading side. One Peer per
// process.
type Peer struct {
	cfg    *config.Config
	store  *storage.Store
	cat    *catalog.Catalog
	mirror *catalog.Mirror

	pool      *pool.Pool
	server    *server.Server
	listener  *discovery.Listener
	announcer *discovery.Announcer
	manager   *download.Manager

	quitCh  chan struct{}
	started bool
}

func New(cfg *config.Config) (*Peer, error) {
	store, err := storage.NewStore(cfg.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	cat := catalog.New()
	var mirror *catalog.Mirror
	if cfg.CatalogDB != "" {
		mirror, err = catalog.OpenMirror(cfg.CatalogDB)
		if err != nil {
			return nil, fmt.Errorf("open catalog mirror: %w", err)
		}
		if err := cat.AttachMirror(mirror); err != nil {
			return nil, fmt.Errorf("restore catalog mirror: %w", err)
		}
	}

	listener, err := discovery.NewListener(cat, cfg.DiscoveryPort, cfg.MulticastGroup)
	if err != nil {
		return nil, fmt.Errorf("bind discovery listener: %w", err)
	}

	connPool := pool.New(cfg.DialTimeout, cfg.PoolIdleAfter)

	p := &Peer{
		cfg:      cfg,
		store:    store,
		cat:      cat,
		mirror:   mirror,
		pool:     connPool,
		server:   server.New(store, fmt.Sprintf(":%d", cfg.ServePort), cfg.ServerIdleTimeout),
		listener: listener,
		manager: download.NewManager(cat, connPool, store,
			cfg.DownloadWorkers, cfg.ChunkRetries, cfg.RequestTimeout),
		quitCh: make(chan struct{}),
	}
	return p, nil
}

// Start brings up the serving and discovery loops. The announcer is built
// here rather than in New, so an ephemeral serve port is known before the
// first announcement goes out.
func (p *Peer) Start() error {
	if err := p.server.Start(); err != nil {
		return fmt.Errorf("start chunk server: %w", err)
	}

	targets := []string{
		net.JoinHostPort(p.cfg.BroadcastAddr, fmt.Sprint(p.cfg.DiscoveryPort)),
		net.JoinHostPort("127.0.0.1", fmt.Sprint(p.cfg.DiscoveryPort)),
	}
	ann, err := discovery.NewAnnouncer(p.store, p.server.Port(), targets, p.cfg.AnnounceInterval)
	if err != nil {
		p.server.Stop()
		return fmt.Errorf("start announcer: %w", err)
	}
	p.announcer = ann

	p.listener.Start()
	p.announcer.Start()
	p.cat.StartSweep(p.cfg.SweepInterval, p.cfg.StaleAfter)
	p.pool.StartCleaner(p.cfg.PoolCleanInterval)
	go monitor.LogPeriodic(time.Minute, p.quitCh)

	p.started = true
	logger.Sugar.Infof("[Peer] up: serving on %s, discovery on :%d",
		p.server.Addr(), p.listener.Port())
	return nil
}

func (p *Peer) Stop() error {
	if p.started {
		p.started = false
		close(p.quitCh)

		p.announcer.Stop()
		p.cat.StopSweep()
		p.server.Stop()
	}

	// The discovery socket, the pool, and the mirror handle are acquired in
	// New, so they must be released even when Start never ran.
	p.listener.Close()
	err := p.pool.Close()
	if p.mirror != nil {
		err = multierr.Append(err, p.mirror.Close())
	}
	return err
}

// Share splits path into the chunk store and announces the new inventory
// immediately instead of waiting for the next beat. Returns the chunk count.
func (p *Peer) Share(path string) (int, error) {
	refs, err := p.store.Split(path, p.cfg.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("split %s: %w", path, err)
	}
	if err := p.announcer.AnnounceOnce(); err != nil {
		logger.Sugar.Warnf("[Peer] shared %s but announce failed: %v", path, err)
	}
	logger.Sugar.Infof("[Peer] sharing %s as %d chunks", filepath.Base(path), len(refs))
	return len(refs), nil
}

// Fetch downloads fileName into the configured download directory and
// announces the freshly stored chunks, so this peer becomes a holder too.
func (p *Peer) Fetch(fileName string) (string, error) {
	if err := os.MkdirAll(p.cfg.DownloadDir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	outPath := filepath.Join(p.cfg.DownloadDir, fileName)

	if _, err := p.manager.Fetch(fileName, outPath); err != nil {
		return "", err
	}
	if err := p.announcer.AnnounceOnce(); err != nil {
		logger.Sugar.Warnf("[Peer] fetched %s but announce failed: %v", fileName, err)
	}
	return outPath, nil
}

// KnownFiles lists the file names the catalog currently has holders for.
func (p *Peer) KnownFiles() []string {
	return p.cat.Files()
}

// Holders renders the known holders of each of fileName's chunks.
func (p *Peer) Holders(fileName string) string {
	refs := p.cat.ChunksFor(fileName)
	if len(refs) == 0 {
		return fmt.Sprintf("no known chunks for %s\n", fileName)
	}

	var b strings.Builder
	for _, ref := range refs {
		fmt.Fprintf(&b, "chunk %d:\n", ref.Index)
		for _, entry := range p.cat.PeersFor(ref.Identity) {
			fmt.Fprintf(&b, "  %s (seen %s ago)\n",
				entry.Addr, time.Since(entry.LastSeen).Round(time.Second))
		}
	}
	return b.String()
}

// Status renders a short human-readable snapshot for the console.
func (p *Peer) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "serving on %s\n", p.server.Addr())

	files := p.cat.Files()
	if len(files) == 0 {
		b.WriteString("no files known yet; waiting for announcements\n")
	}
	for _, name := range files {
		refs := p.cat.ChunksFor(name)
		local := 0
		for _, ref := range refs {
			if p.store.HasChunk(ref.FileName, ref.Index) {
				local++
			}
		}
		fmt.Fprintf(&b, "  %s: %d chunks known, %d local\n", name, len(refs), local)
	}

	fmt.Fprintf(&b, "served %d chunks, fetched %d, %d verification failures",
		atomic.LoadInt64(&monitor.Global.ChunksServed),
		atomic.LoadInt64(&monitor.Global.ChunksFetched),
		atomic.LoadInt64(&monitor.Global.VerifyFailures))
	return b.String()
}
