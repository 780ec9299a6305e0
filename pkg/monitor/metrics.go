package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"chunkcast/pkg/logger"
)

// Metrics holds process-wide transfer counters. Everything is updated with
// atomics so the hot paths never take a lock.
type Metrics struct {
	AnnouncementsSent     int64
	AnnouncementsReceived int64
	ChunksServed          int64
	ChunksFetched         int64
	BytesServed           int64
	BytesFetched          int64
	VerifyFailures        int64

	Start time.Time
}

var Global = &Metrics{Start: time.Now()}

func RecordAnnouncementSent()     { atomic.AddInt64(&Global.AnnouncementsSent, 1) }
func RecordAnnouncementReceived() { atomic.AddInt64(&Global.AnnouncementsReceived, 1) }

func RecordChunkServed(bytes int64) {
	atomic.AddInt64(&Global.ChunksServed, 1)
	atomic.AddInt64(&Global.BytesServed, bytes)
}

func RecordChunkFetched(bytes int64) {
	atomic.AddInt64(&Global.ChunksFetched, 1)
	atomic.AddInt64(&Global.BytesFetched, bytes)
}

func RecordVerifyFailure() { atomic.AddInt64(&Global.VerifyFailures, 1) }

// LogPeriodic writes one metrics line per interval until quit closes.
func LogPeriodic(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | AnnSent=%d | AnnRecv=%d | Served=%d (%dKB) | Fetched=%d (%dKB) | VerifyFail=%d",
				runtime.NumGoroutine(),
				m.HeapAlloc/1024/1024,
				atomic.LoadInt64(&Global.AnnouncementsSent),
				atomic.LoadInt64(&Global.AnnouncementsReceived),
				atomic.LoadInt64(&Global.ChunksServed),
				atomic.LoadInt64(&Global.BytesServed)/1024,
				atomic.LoadInt64(&Global.ChunksFetched),
				atomic.LoadInt64(&Global.BytesFetched)/1024,
				atomic.LoadInt64(&Global.VerifyFailures),
			)
		}
	}
}
