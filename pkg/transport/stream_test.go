package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCopyChunksExact(t *testing.T) {
	data := make([]byte, 3*ChunkSize+100)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	var dst bytes.Buffer
	var calls int
	var last uint64

	n, err := CopyChunks(&dst, bytes.NewReader(data), uint64(len(data)), func(total uint64) {
		calls++
		if total < last {
			t.Errorf("progress went backwards: %d after %d", total, last)
		}
		last = total
	})
	if err != nil {
		t.Fatalf("CopyChunks() error: %v", err)
	}

	if n != uint64(len(data)) {
		t.Errorf("CopyChunks() n = %d, want %d", n, len(data))
	}
	if !bytes.Equal(dst.Bytes(), data) {
		t.Error("copied data does not match source")
	}
	if calls < 4 {
		t.Errorf("progress calls = %d, want at least 4", calls)
	}
	if last != uint64(len(data)) {
		t.Errorf("final progress = %d, want %d", last, len(data))
	}
}

func TestCopyChunksStopsAtExpected(t *testing.T) {
	data := make([]byte, 2*ChunkSize)
	src := bytes.NewReader(data)

	var dst bytes.Buffer
	n, err := CopyChunks(&dst, src, ChunkSize+10, nil)
	if err != nil {
		t.Fatalf("CopyChunks() error: %v", err)
	}

	if n != ChunkSize+10 {
		t.Errorf("CopyChunks() n = %d, want %d", n, ChunkSize+10)
	}
	if src.Len() != ChunkSize-10 {
		t.Errorf("reader has %d bytes left, want %d", src.Len(), ChunkSize-10)
	}
}

func TestCopyChunksUntilEOF(t *testing.T) {
	data := []byte("short stream")

	var dst bytes.Buffer
	n, err := CopyChunks(&dst, bytes.NewReader(data), 0, nil)
	if err != nil {
		t.Fatalf("CopyChunks() error: %v", err)
	}
	if n != uint64(len(data)) {
		t.Errorf("CopyChunks() n = %d, want %d", n, len(data))
	}
}

func TestCopyChunksFlushesBufferedWriter(t *testing.T) {
	data := []byte("must be flushed before completion")

	var raw bytes.Buffer
	dst := bufio.NewWriterSize(&raw, 1<<16)

	if _, err := CopyChunks(dst, bytes.NewReader(data), uint64(len(data)), nil); err != nil {
		t.Fatalf("CopyChunks() error: %v", err)
	}

	if !bytes.Equal(raw.Bytes(), data) {
		t.Errorf("underlying buffer = %q, want %q (writer not flushed)", raw.Bytes(), data)
	}
}
