package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// ChunkRef names one chunk of one shared file. Identity is the hex SHA-256
// of the chunk's bytes and is the sole key used for discovery and
// verification; Index is the zero-based position used for reassembly.
type ChunkRef struct {
	FileName string
	Index    uint32
	Identity string
}

// Announcement is the discovery datagram: everything a peer currently holds,
// in one gob-encoded UDP message. The sender's host comes from the packet
// source address; ServePort is carried explicitly because peers on one host
// serve on different ports.
type Announcement struct {
	ServePort int
	Chunks    []ChunkRef
	SentAt    time.Time
}

// ChunkRequest asks a peer server for a single chunk.
type ChunkRequest struct {
	FileName string
	Index    uint32
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("encode announcement: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	if a.ServePort <= 0 || a.ServePort > 65535 {
		return Announcement{}, fmt.Errorf("announcement carries invalid serve port %d", a.ServePort)
	}
	return a, nil
}
