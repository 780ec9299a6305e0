package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	a := Announcement{
		ServePort: 5000,
		Chunks: []ChunkRef{
			{FileName: "movie.mp4", Index: 0, Identity: "h0"},
			{FileName: "movie.mp4", Index: 1, Identity: "h1"},
		},
		SentAt: time.Now(),
	}

	data, err := EncodeAnnouncement(a)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := DecodeAnnouncement(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.ServePort != a.ServePort {
		t.Errorf("serve port: got %d, want %d", got.ServePort, a.ServePort)
	}
	if len(got.Chunks) != len(a.Chunks) {
		t.Fatalf("chunks: got %d, want %d", len(got.Chunks), len(a.Chunks))
	}
	for i, ref := range got.Chunks {
		if ref != a.Chunks[i] {
			t.Errorf("chunk %d: got %+v, want %+v", i, ref, a.Chunks[i])
		}
	}
}

func TestDecodeAnnouncementMalformed(t *testing.T) {
	if _, err := DecodeAnnouncement([]byte("not a gob payload")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDecodeAnnouncementBadPort(t *testing.T) {
	data, err := EncodeAnnouncement(Announcement{ServePort: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeAnnouncement(data); err == nil {
		t.Fatal("expected error for announcement without a serve port")
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrameHeader(&buf, FrameChunkData, 4096); err != nil {
		t.Fatal(err)
	}

	frameType, length, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != FrameChunkData {
		t.Errorf("frame type: got %d, want %d", frameType, FrameChunkData)
	}
	if length != 4096 {
		t.Errorf("length: got %d, want 4096", length)
	}
}

func TestFrameHeaderRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrameHeader(&buf, FrameChunkData, MaxFrameSize+1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadFrameHeader(&buf); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := ChunkRequest{FileName: "movie.mp4", Index: 3}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatal(err)
	}

	frameType, length, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != FrameRequest {
		t.Fatalf("frame type: got %d, want %d", frameType, FrameRequest)
	}

	got, err := ReadRequest(&buf, length)
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Errorf("request: got %+v, want %+v", got, req)
	}
}

func TestReadRequestRejectsEmptyFileName(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, ChunkRequest{Index: 1}); err != nil {
		t.Fatal(err)
	}
	_, length, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRequest(&buf, length); err == nil {
		t.Fatal("expected error for request without file name")
	}
}
