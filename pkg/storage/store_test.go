package storage

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestParseChunkFileName(t *testing.T) {
	cases := []struct {
		in       string
		fileName string
		index    uint32
		ok       bool
	}{
		{"movie.mp4_0.chunk", "movie.mp4", 0, true},
		{"movie.mp4_12.chunk", "movie.mp4", 12, true},
		{"name_with_underscores_3.chunk", "name_with_underscores", 3, true},
		{"movie.mp4_0.chunk.tmp", "", 0, false},
		{"movie.mp4.chunk", "", 0, false},
		{"_5.chunk", "", 0, false},
		{"notes.txt", "", 0, false},
	}

	for _, c := range cases {
		fileName, index, ok := ParseChunkFileName(c.in)
		if ok != c.ok || fileName != c.fileName || index != c.index {
			t.Errorf("ParseChunkFileName(%q) = (%q, %d, %v), want (%q, %d, %v)",
				c.in, fileName, index, ok, c.fileName, c.index, c.ok)
		}
	}
}

func TestSplitStitchRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// 5000 bytes at 1024 per chunk: four full chunks plus a 904 byte tail.
	data := make([]byte, 5000)
	rand.Read(data)

	src := filepath.Join(t.TempDir(), "movie.mp4")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	refs, err := store.Split(src, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(refs))
	}

	// Re-digesting each chunk file must reproduce the identities in order.
	for _, ref := range refs {
		chunk, err := store.ReadChunk(ref.FileName, ref.Index)
		if err != nil {
			t.Fatal(err)
		}
		if got := HashBytes(chunk); got != ref.Identity {
			t.Errorf("chunk %d: identity %s, want %s", ref.Index, got, ref.Identity)
		}
	}

	out := filepath.Join(t.TempDir(), "movie.mp4")
	if err := store.Stitch("movie.mp4", uint32(len(refs)), out); err != nil {
		t.Fatal(err)
	}

	stitched, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stitched, data) {
		t.Fatal("stitched output differs from original")
	}
}

func TestStitchRefusesMissingChunk(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.WriteChunk("movie.mp4", 0, []byte("first")); err != nil {
		t.Fatal(err)
	}
	// Chunk 1 never arrives.

	out := filepath.Join(t.TempDir(), "movie.mp4")
	if err := store.Stitch("movie.mp4", 2, out); err == nil {
		t.Fatal("expected stitch to fail with a missing chunk")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("stitch must not produce an output file on failure")
	}
}

func TestWriteChunkLeavesNoScratchFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.WriteChunk("movie.mp4", 7, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "movie.mp4_7.chunk" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}

	got, err := store.ReadChunk("movie.mp4", 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("read back %q", got)
	}
}

func TestListChunksOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, idx := range []uint32{2, 0, 1} {
		if err := store.WriteChunk("b.bin", idx, []byte{byte(idx)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.WriteChunk("a.bin", 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatal(err)
	}

	chunks, err := store.ListChunks()
	if err != nil {
		t.Fatal(err)
	}

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].FileName != "a.bin" || chunks[0].Index != 0 {
		t.Errorf("first chunk out of order: %+v", chunks[0])
	}
	for i := 0; i < 3; i++ {
		if chunks[1+i].FileName != "b.bin" || chunks[1+i].Index != uint32(i) {
			t.Errorf("b.bin chunk %d out of order: %+v", i, chunks[1+i])
		}
	}
}

func TestSplitEmptyFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(src, nil, 0644); err != nil {
		t.Fatal(err)
	}

	refs, err := store.Split(src, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected 0 chunks for empty file, got %d", len(refs))
	}
}
