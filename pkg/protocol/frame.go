package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Frame types on the chunk exchange connection.
const (
	FrameRequest   = 0x01
	FrameChunkData = 0x02
	FrameNotFound  = 0x03
)

// Header is [Type (1 byte)] + [Length (4 bytes, big endian)].
const HeaderSize = 5

// MaxFrameSize bounds what a peer will buffer for a single frame. Chunks are
// far smaller than this in practice; anything bigger is a protocol error.
const MaxFrameSize = 64 << 20

func WriteFrameHeader(w io.Writer, frameType uint8, length uint32) error {
	buf := make([]byte, HeaderSize)
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:], length)

	_, err := w.Write(buf)
	return err
}

func ReadFrameHeader(r io.Reader) (uint8, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	frameType := buf[0]
	length := binary.BigEndian.Uint32(buf[1:])
	if length > MaxFrameSize {
		return 0, 0, fmt.Errorf("frame length %d exceeds limit", length)
	}

	return frameType, length, nil
}

// WriteRequest frames and sends one chunk request.
func WriteRequest(w io.Writer, req ChunkRequest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return fmt.Errorf("encode chunk request: %w", err)
	}
	if err := WriteFrameHeader(w, FrameRequest, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadRequest reads a request payload of the given framed length.
func ReadRequest(r io.Reader, length uint32) (ChunkRequest, error) {
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return ChunkRequest{}, err
	}

	var req ChunkRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return ChunkRequest{}, fmt.Errorf("decode chunk request: %w", err)
	}
	if req.FileName == "" {
		return ChunkRequest{}, fmt.Errorf("chunk request missing file name")
	}
	return req, nil
}
