// Package filewriter maps piece indices to byte ranges across a
// declared file list and performs sparse writes as pieces complete.
package filewriter

import (
	"fmt"
	"os"
	"path/filepath"

	"atleech/internal/metainfo"
)

type openFile struct {
	path   string
	offset int64
	length int64
	handle *os.File
}

// Writer owns the on-disk file set for one download. It is called
// only from the coordinator's single consuming goroutine, so file I/O
// is serialized by construction.
type Writer struct {
	files       []openFile
	pieceLength int64
}

// Create builds the declared file list under outputDir, reserving
// each file's full length with a seek-to-end-and-write-one-byte
// sparse allocation.
func Create(info *metainfo.Info, outputDir string) (*Writer, error) {
	w := &Writer{pieceLength: info.PieceLen(0)}

	var offset int64
	for _, fe := range info.Files() {
		path := filepath.Join(outputDir, fe.Path)

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("filewriter: creating directory %q: %w", dir, err)
			}
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filewriter: opening %q: %w", path, err)
		}

		if fe.Length > 0 {
			if _, err := f.WriteAt([]byte{0}, fe.Length-1); err != nil {
				f.Close()
				return nil, fmt.Errorf("filewriter: reserving %q: %w", path, err)
			}
		}

		w.files = append(w.files, openFile{
			path:   path,
			offset: offset,
			length: fe.Length,
			handle: f,
		})
		offset += fe.Length
	}

	return w, nil
}

// WritePiece splits a verified piece's bytes across every file whose
// byte range it overlaps and writes each chunk with WriteAt.
func (w *Writer) WritePiece(pieceIndex int, data []byte) error {
	pieceStart := int64(pieceIndex) * w.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, f := range w.files {
		fileStart := f.offset
		fileEnd := f.offset + f.length

		start := max64(pieceStart, fileStart)
		end := min64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		chunk := data[start-pieceStart : end-pieceStart]
		if _, err := f.handle.WriteAt(chunk, start-f.offset); err != nil {
			return fmt.Errorf("filewriter: writing %q: %w", f.path, err)
		}
	}

	return nil
}

// Close releases every open file handle.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
