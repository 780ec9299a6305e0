package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"chunkcast/pkg/protocol"
)

// Split cuts the file at path into fixed-size chunk files inside the store
// and returns their refs in index order. Every chunk except possibly the last
// is exactly chunkSize bytes.
func (s *Store) Split(path string, chunkSize int64) ([]protocol.ChunkRef, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("split %s: chunk size must be positive", path)
	}

	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer in.Close()

	fileName := filepath.Base(path)
	buf := make([]byte, chunkSize)

	var refs []protocol.ChunkRef
	for index := uint32(0); ; index++ {
		n, err := io.ReadFull(in, buf)
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}

		data := buf[:n]
		if werr := s.WriteChunk(fileName, index, data); werr != nil {
			return nil, werr
		}
		refs = append(refs, protocol.ChunkRef{
			FileName: fileName,
			Index:    index,
			Identity: HashBytes(data),
		})

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
	}

	return refs, nil
}
