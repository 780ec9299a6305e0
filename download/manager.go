package download

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"chunkcast/catalog"
	"chunkcast/pkg/logger"
	"chunkcast/pkg/monitor"
	"chunkcast/pkg/protocol"
	"chunkcast/pkg/storage"
	"chunkcast/pool"
)

// Manager schedules chunk fetches across the peers the catalog knows about,
// verifies every chunk against its advertised identity, and stitches the
// result once all chunks are in.
type Manager struct {
	cat   *catalog.Catalog
	pool  *pool.Pool
	store *storage.Store

	workers        int
	chunkRetries   int
	requestTimeout time.Duration
}

func NewManager(cat *catalog.Catalog, connPool *pool.Pool, store *storage.Store, workers, chunkRetries int, requestTimeout time.Duration) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		cat:            cat,
		pool:           connPool,
		store:          store,
		workers:        workers,
		chunkRetries:   chunkRetries,
		requestTimeout: requestTimeout,
	}
}

// errPeerAttempt marks a failure against one candidate peer; the worker
// moves to the next candidate instead of failing the chunk.
type errPeerAttempt struct {
	peer string
	err  error
}

func (e *errPeerAttempt) Error() string { return fmt.Sprintf("peer %s: %v", e.peer, e.err) }
func (e *errPeerAttempt) Unwrap() error { return e.err }

// Fetch downloads fileName into outPath. The returned Job carries the final
// per-chunk states; on error no output file is produced and the error names
// the missing indices.
func (m *Manager) Fetch(fileName, outPath string) (*Job, error) {
	refs := m.cat.ChunksFor(fileName)
	if len(refs) == 0 {
		return nil, fmt.Errorf("no known chunks for %q; has any peer announced it?", fileName)
	}

	job := newJob(fileName, refs)
	logger.Sugar.Infof("[Download] job %s: fetching %s (%d chunks, %d workers)",
		job.ID, fileName, len(refs), m.workers)

	// Each chunk index is enqueued once, and re-enqueued on job-level retry
	// up to chunkRetries times; the buffer covers the worst case so workers
	// can requeue without blocking.
	queue := make(chan uint32, len(refs)*(m.chunkRetries+2))
	for _, ref := range refs {
		queue <- ref.Index
	}

	// unresolved counts chunks that are neither verified nor permanently
	// failed; the last resolution closes the queue and releases the workers.
	unresolved := int64(len(refs))
	resolve := func() {
		if atomic.AddInt64(&unresolved, -1) == 0 {
			close(queue)
		}
	}

	progressQuit := make(chan struct{})
	go m.logProgress(job, progressQuit)

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range queue {
				m.workOnChunk(job, index, queue, resolve)
			}
		}()
	}
	wg.Wait()
	close(progressQuit)

	missing := job.MissingIndices()
	if len(missing) > 0 {
		return job, fmt.Errorf("download of %s incomplete: %d/%d chunks verified, missing indices %v",
			fileName, job.VerifiedCount(), job.TotalChunks(), missing)
	}

	if err := m.store.Stitch(fileName, uint32(job.TotalChunks()), outPath); err != nil {
		return job, fmt.Errorf("stitch %s: %w", fileName, err)
	}

	logger.Sugar.Infof("[Download] job %s: %s complete (%d chunks) in %s",
		job.ID, fileName, job.TotalChunks(), time.Since(job.StartedAt).Round(time.Millisecond))
	return job, nil
}

// workOnChunk runs one fetch cycle for an index: try every current
// candidate peer, and on exhaustion either requeue (job-level retry, with a
// fresh catalog query next cycle) or mark the chunk failed for good.
func (m *Manager) workOnChunk(job *Job, index uint32, queue chan<- uint32, resolve func()) {
	job.setState(index, ChunkInFlight)

	ref := job.ref(index)
	if err := m.fetchChunk(ref); err != nil {
		attempt := job.incAttempts(index)
		if attempt <= m.chunkRetries {
			logger.Sugar.Warnf("[Download] chunk %s[%d] attempt %d failed, will retry: %v",
				ref.FileName, index, attempt, err)
			job.setState(index, ChunkPending)
			queue <- index
			return
		}

		logger.Sugar.Errorf("[Download] chunk %s[%d] failed after %d attempts: %v",
			ref.FileName, index, attempt, err)
		job.setState(index, ChunkFailed)
		resolve()
		return
	}

	job.setState(index, ChunkVerified)
	resolve()
}

// fetchChunk tries the chunk's current candidate peers in most-recently-seen
// order until one yields bytes whose digest matches the advertised identity,
// then writes the verified chunk to its scratch location.
func (m *Manager) fetchChunk(ref protocol.ChunkRef) error {
	// Queried fresh on every cycle so retries see peers discovered since.
	candidates := m.cat.PeersFor(ref.Identity)
	if len(candidates) == 0 {
		return fmt.Errorf("no known holders of chunk %s[%d]", ref.FileName, ref.Index)
	}

	for _, candidate := range candidates {
		data, err := m.fetchFromPeer(candidate.Addr, ref)
		if err != nil {
			logger.Sugar.Warnf("[Download] chunk %s[%d] from %s: %v", ref.FileName, ref.Index, candidate.Addr, err)
			continue
		}

		if got := storage.HashBytes(data); got != ref.Identity {
			// Corrupt or stale copy on that peer; treat exactly like any
			// other failed attempt and move on.
			monitor.RecordVerifyFailure()
			logger.Sugar.Warnf("[Download] chunk %s[%d] from %s failed verification (got %.12s, want %.12s)",
				ref.FileName, ref.Index, candidate.Addr, got, ref.Identity)
			continue
		}

		if err := m.store.WriteChunk(ref.FileName, ref.Index, data); err != nil {
			return err
		}
		monitor.RecordChunkFetched(int64(len(data)))
		return nil
	}

	return fmt.Errorf("all %d candidate peers failed for chunk %s[%d]", len(candidates), ref.FileName, ref.Index)
}

// fetchFromPeer performs one request/response exchange on a pooled
// connection, bounded by the request timeout. The connection goes back to
// the pool only when the exchange completed cleanly.
func (m *Manager) fetchFromPeer(addr string, ref protocol.ChunkRef) (data []byte, err error) {
	conn, err := m.pool.Checkout(addr)
	if err != nil {
		return nil, &errPeerAttempt{peer: addr, err: err}
	}

	healthy := false
	defer func() { m.pool.Return(conn, healthy) }()
	defer conn.SetDeadline(time.Time{})

	if err := conn.SetDeadline(time.Now().Add(m.requestTimeout)); err != nil {
		return nil, &errPeerAttempt{peer: addr, err: err}
	}

	req := protocol.ChunkRequest{FileName: ref.FileName, Index: ref.Index}
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, &errPeerAttempt{peer: addr, err: err}
	}

	frameType, length, err := protocol.ReadFrameHeader(conn)
	if err != nil {
		return nil, &errPeerAttempt{peer: addr, err: err}
	}

	switch frameType {
	case protocol.FrameNotFound:
		// The peer no longer holds the chunk but the connection is fine.
		healthy = true
		return nil, &errPeerAttempt{peer: addr, err: fmt.Errorf("chunk not held")}

	case protocol.FrameChunkData:
		data = make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return nil, &errPeerAttempt{peer: addr, err: err}
		}
		healthy = true
		return data, nil

	default:
		return nil, &errPeerAttempt{peer: addr, err: fmt.Errorf("unexpected frame type %d", frameType)}
	}
}

func (m *Manager) logProgress(job *Job, quit <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			logger.Sugar.Infof("[Download] job %s: %d/%d chunks verified",
				job.ID, job.VerifiedCount(), job.TotalChunks())
		}
	}
}
