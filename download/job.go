package download

import (
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"chunkcast/pkg/protocol"
)

// ChunkState tracks one chunk index through a download.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkVerified
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkVerified:
		return "verified"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is the per-download state machine: one entry per chunk index, mutated
// by workers as fetch attempts resolve.
type Job struct {
	ID       uuid.UUID
	FileName string

	mu       sync.Mutex
	refs     map[uint32]protocol.ChunkRef
	states   map[uint32]ChunkState
	attempts map[uint32]int

	StartedAt time.Time
}

func newJob(fileName string, refs []protocol.ChunkRef) *Job {
	job := &Job{
		ID:        uuid.Must(uuid.NewV4()),
		FileName:  fileName,
		refs:      make(map[uint32]protocol.ChunkRef, len(refs)),
		states:    make(map[uint32]ChunkState, len(refs)),
		attempts:  make(map[uint32]int, len(refs)),
		StartedAt: time.Now(),
	}
	for _, ref := range refs {
		job.refs[ref.Index] = ref
		job.states[ref.Index] = ChunkPending
	}
	return job
}

func (j *Job) ref(index uint32) protocol.ChunkRef {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.refs[index]
}

func (j *Job) setState(index uint32, state ChunkState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[index] = state
}

// State reports the current state of one chunk index.
func (j *Job) State(index uint32) ChunkState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.states[index]
}

// incAttempts bumps and returns the job-level retry count for an index.
func (j *Job) incAttempts(index uint32) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts[index]++
	return j.attempts[index]
}

// TotalChunks is the number of chunk indices in the job.
func (j *Job) TotalChunks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.refs)
}

// VerifiedCount is the number of chunks fetched and verified so far.
func (j *Job) VerifiedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, state := range j.states {
		if state == ChunkVerified {
			n++
		}
	}
	return n
}

// MissingIndices lists every index not verified, in order. Empty means the
// job is complete.
func (j *Job) MissingIndices() []uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()

	var missing []uint32
	for index, state := range j.states {
		if state != ChunkVerified {
			missing = append(missing, index)
		}
	}
	sort.Slice(missing, func(i, k int) bool { return missing[i] < missing[k] })
	return missing
}
