package transport

import (
	"fmt"
	"io"
)

// ChunkSize is the unit of file data moved per read/write on the data
// channel.
const ChunkSize = 4096

// ProgressFunc is invoked after every chunk with the running byte total.
type ProgressFunc func(transferred uint64)

// flusher matches buffered writers that must be drained before a transfer
// can be declared complete.
type flusher interface {
	Flush() error
}

// CopyChunks copies up to expected bytes from src to dst in ChunkSize
// units, reporting progress per chunk. expected == 0 copies until EOF.
// The destination is flushed before returning.
func CopyChunks(dst io.Writer, src io.Reader, expected uint64, progress ProgressFunc) (uint64, error) {
	buf := make([]byte, ChunkSize)
	var total uint64

	for expected == 0 || total < expected {
		limit := uint64(ChunkSize)
		if expected > 0 && expected-total < limit {
			limit = expected - total
		}

		n, err := src.Read(buf[:limit])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("stream write: %w", werr)
			}
			total += uint64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("stream read: %w", err)
		}
	}

	if f, ok := dst.(flusher); ok {
		if err := f.Flush(); err != nil {
			return total, fmt.Errorf("stream flush: %w", err)
		}
	}

	return total, nil
}
