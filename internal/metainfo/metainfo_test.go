package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTestTorrent(t *testing.T, pieceLen, totalLen int64, name string) string {
	t.Helper()

	numPieces := int((totalLen + pieceLen - 1) / pieceLen)
	var pieces bytes.Buffer
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte(fmt.Sprintf("piece-%d", i)))
		pieces.Write(h[:])
	}

	content := fmt.Sprintf(
		"d8:announce3:foo4:infod6:lengthi%de12:piece lengthi%de6:pieces%d:%s4:name%d:%see",
		totalLen, pieceLen, pieces.Len(), pieces.String(), len(name), name,
	)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.torrent")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test torrent: %v", err)
	}
	return path
}

func TestLoadSingleFile(t *testing.T) {
	path := writeTestTorrent(t, 16384, 16384, "file.bin")

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.TotalSize() != 16384 {
		t.Errorf("TotalSize = %d, want 16384", info.TotalSize())
	}
	if info.NumPieces() != 1 {
		t.Errorf("NumPieces = %d, want 1", info.NumPieces())
	}
	if got := info.Files(); len(got) != 1 || got[0].Length != 16384 {
		t.Errorf("Files = %+v", got)
	}
}

func TestLastPieceLength(t *testing.T) {
	// total = 49152 = 32768 + 16384, piece length 32768 -> two pieces,
	// last piece shorter than the nominal length.
	path := writeTestTorrent(t, 32768, 49152, "file.bin")

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.NumPieces() != 2 {
		t.Fatalf("NumPieces = %d, want 2", info.NumPieces())
	}
	if got := info.PieceLen(0); got != 32768 {
		t.Errorf("PieceLen(0) = %d, want 32768", got)
	}
	if got := info.PieceLen(1); got != 16384 {
		t.Errorf("PieceLen(1) = %d, want 16384", got)
	}
	if got := info.BlocksPerPiece(0); got != 2 {
		t.Errorf("BlocksPerPiece(0) = %d, want 2", got)
	}
	if got := info.BlocksPerPiece(1); got != 1 {
		t.Errorf("BlocksPerPiece(1) = %d, want 1", got)
	}
	if got := info.BlockLen(0, 1); got != 16384 {
		t.Errorf("BlockLen(0,1) = %d, want 16384", got)
	}
	if got := info.BlockLen(1, 0); got != 16384 {
		t.Errorf("BlockLen(1,0) = %d, want 16384", got)
	}
}

func TestLastPieceRemainder(t *testing.T) {
	// total = 40000, piece length 16384 -> last piece is a genuine
	// remainder (40000 mod 16384 = 7232).
	path := writeTestTorrent(t, 16384, 40000, "file.bin")

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	last := info.NumPieces() - 1
	if got, want := info.PieceLen(last), int64(40000%16384); got != want {
		t.Errorf("PieceLen(last) = %d, want %d", got, want)
	}
}

func TestInfoHashNonZero(t *testing.T) {
	path := writeTestTorrent(t, 16384, 16384, "file.bin")
	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var zero [20]byte
	if info.InfoHash() == zero {
		t.Error("InfoHash() is zero, expected a real SHA-1 digest")
	}
}

func TestMultiFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multi.torrent")

	h := sha1.Sum([]byte("piece-0"))
	content := fmt.Sprintf(
		"d8:announce3:foo4:infod5:filesld6:lengthi100e4:pathl1:a1:beed6:lengthi200e4:pathl1:ceee12:piece lengthi16384e6:pieces20:%s4:name4:rootee",
		string(h[:]),
	)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.TotalSize() != 300 {
		t.Errorf("TotalSize = %d, want 300", info.TotalSize())
	}
	files := info.Files()
	if len(files) != 2 {
		t.Fatalf("Files = %+v", files)
	}
	if files[0].Length != 100 || files[1].Length != 200 {
		t.Errorf("Files = %+v", files)
	}
}
