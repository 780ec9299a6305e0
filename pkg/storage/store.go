package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const chunkSuffix = ".chunk"

// Store is a directory of chunk files, one file per (file name, index) pair.
// Chunk files are named "<name>_<index>.chunk" with zero-based indices.
type Store struct {
	Dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk dir %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

// ChunkFile describes one chunk file on disk.
type ChunkFile struct {
	FileName string
	Index    uint32
	Path     string
	Size     int64
	ModTime  time.Time
}

func ChunkFileName(fileName string, index uint32) string {
	return fmt.Sprintf("%s_%d%s", fileName, index, chunkSuffix)
}

// ParseChunkFileName is the inverse of ChunkFileName. ok is false for
// anything else living in the chunk directory.
func ParseChunkFileName(name string) (fileName string, index uint32, ok bool) {
	if !strings.HasSuffix(name, chunkSuffix) {
		return "", 0, false
	}
	name = strings.TrimSuffix(name, chunkSuffix)

	sep := strings.LastIndex(name, "_")
	if sep <= 0 || sep == len(name)-1 {
		return "", 0, false
	}

	idx, err := strconv.ParseUint(name[sep+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return name[:sep], uint32(idx), true
}

func (s *Store) ChunkPath(fileName string, index uint32) string {
	return filepath.Join(s.Dir, ChunkFileName(fileName, index))
}

func (s *Store) HasChunk(fileName string, index uint32) bool {
	_, err := os.Stat(s.ChunkPath(fileName, index))
	return err == nil
}

func (s *Store) ReadChunk(fileName string, index uint32) ([]byte, error) {
	return os.ReadFile(s.ChunkPath(fileName, index))
}

// WriteChunk writes chunk bytes through a scratch file and renames it into
// place, so a crash never leaves a half-written chunk under the final name.
func (s *Store) WriteChunk(fileName string, index uint32, data []byte) error {
	final := s.ChunkPath(fileName, index)
	scratch := final + ".tmp"

	if err := os.WriteFile(scratch, data, 0644); err != nil {
		return fmt.Errorf("write scratch chunk %s: %w", scratch, err)
	}
	if err := os.Rename(scratch, final); err != nil {
		os.Remove(scratch)
		return fmt.Errorf("promote chunk %s: %w", final, err)
	}
	return nil
}

// ListChunks returns every chunk file in the store, ordered by file name and
// index. Non-chunk files are ignored.
func (s *Store) ListChunks() ([]ChunkFile, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan chunk dir %s: %w", s.Dir, err)
	}

	var chunks []ChunkFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName, index, ok := ParseChunkFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		chunks = append(chunks, ChunkFile{
			FileName: fileName,
			Index:    index,
			Path:     filepath.Join(s.Dir, entry.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].FileName != chunks[j].FileName {
			return chunks[i].FileName < chunks[j].FileName
		}
		return chunks[i].Index < chunks[j].Index
	})
	return chunks, nil
}

// HashChunk digests a chunk's bytes. The hex SHA-256 is the chunk's identity
// everywhere: discovery keying, request verification, dedup.
func HashChunk(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash chunk: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stitch concatenates chunks 0..total-1 of fileName, in index order, into
// outPath. It fails without touching outPath if any chunk is missing.
func (s *Store) Stitch(fileName string, total uint32, outPath string) error {
	for index := uint32(0); index < total; index++ {
		if !s.HasChunk(fileName, index) {
			return fmt.Errorf("stitch %s: chunk %d missing", fileName, index)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	scratch := outPath + ".tmp"
	out, err := os.Create(scratch)
	if err != nil {
		return fmt.Errorf("create output %s: %w", scratch, err)
	}

	for index := uint32(0); index < total; index++ {
		in, err := os.Open(s.ChunkPath(fileName, index))
		if err != nil {
			out.Close()
			os.Remove(scratch)
			return fmt.Errorf("open chunk %d: %w", index, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(scratch)
			return fmt.Errorf("append chunk %d: %w", index, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(scratch)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(scratch, outPath); err != nil {
		os.Remove(scratch)
		return fmt.Errorf("promote output %s: %w", outPath, err)
	}
	return nil
}
