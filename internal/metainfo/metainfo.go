// Package metainfo provides a typed, immutable view over a parsed
// .torrent file: total size, piece length, piece hashes, and the file
// list that content maps onto.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackpal/bencode-go"

	"atleech/internal/wirecodec"
)

// fileEntry is one record of a multi-file torrent's "files" list.
type fileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []fileEntry `bencode:"files"`
}

// rawFile mirrors the top-level bencoded .torrent dictionary.
type rawFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// FileEntry is one file in the torrent's declared content. In a
// multi-file torrent only the first element of each file's path list
// is kept, joined under the torrent name; a single-file torrent's Path
// is the torrent name itself.
type FileEntry struct {
	Path   string
	Length int64
}

// Info is an immutable view over a parsed torrent, built once at
// startup and shared read-only by every goroutine in the download.
type Info struct {
	name         string
	totalSize    int64
	pieceLength  int64
	hashes       [][20]byte
	files        []FileEntry
	infoHash     [20]byte
	announceURLs []string
}

// Load reads and parses a .torrent file from disk.
func Load(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var tf rawFile
	if err := bencode.Unmarshal(bytes.NewReader(raw), &tf); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	if len(tf.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(tf.Info.Pieces))
	}

	numPieces := len(tf.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], tf.Info.Pieces[i*20:(i+1)*20])
	}

	var files []FileEntry
	var total int64

	if len(tf.Info.Files) == 0 {
		files = []FileEntry{{Path: tf.Info.Name, Length: tf.Info.Length}}
		total = tf.Info.Length
	} else {
		for _, fe := range tf.Info.Files {
			name := ""
			if len(fe.Path) > 0 {
				name = fe.Path[0]
			}
			files = append(files, FileEntry{
				Path:   filepath.Join(tf.Info.Name, name),
				Length: fe.Length,
			})
			total += fe.Length
		}
	}

	var announce []string
	if tf.Announce != "" {
		announce = append(announce, tf.Announce)
	}
	for _, tier := range tf.AnnounceList {
		if len(tier) > 0 && tier[0] != "" {
			announce = append(announce, tier[0])
		}
	}

	return &Info{
		name:         tf.Info.Name,
		totalSize:    total,
		pieceLength:  tf.Info.PieceLength,
		hashes:       hashes,
		files:        files,
		infoHash:     sha1.Sum(infoBytes),
		announceURLs: announce,
	}, nil
}

// extractInfoBytes locates the raw bencoded bytes of the "info"
// sub-dictionary by scanning for the "4:info" key and then
// depth-counting the dictionary/list/integer/string grammar that
// follows it, so info_hash is computed over the exact source bytes
// rather than a re-encoding (which could disagree on key ordering or
// integer formatting).
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")
	depth := 0

	for i := start; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j >= len(data) || data[j] != ':' {
				break
			}
			length, err := strconv.Atoi(string(data[i:j]))
			if err != nil {
				return nil, fmt.Errorf("invalid string length at %d: %w", i, err)
			}
			i = j + length
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}

func (i *Info) Name() string           { return i.name }
func (i *Info) TotalSize() int64       { return i.totalSize }
func (i *Info) InfoHash() [20]byte     { return i.infoHash }
func (i *Info) Files() []FileEntry     { return i.files }
func (i *Info) AnnounceURLs() []string { return i.announceURLs }
func (i *Info) NumPieces() int         { return len(i.hashes) }

func (i *Info) PieceHash(index int) [20]byte { return i.hashes[index] }

// PieceLen returns the nominal piece length, except for the final
// piece, which is the remainder of total size over piece length when
// that remainder is non-zero.
func (i *Info) PieceLen(index int) int64 {
	if index == i.NumPieces()-1 {
		if r := i.totalSize % i.pieceLength; r != 0 {
			return r
		}
	}
	return i.pieceLength
}

// BlocksPerPiece returns the number of 16 KiB blocks that make up the
// given piece, rounding the final (possibly short) block up.
func (i *Info) BlocksPerPiece(index int) int {
	pl := i.PieceLen(index)
	return int((pl + wirecodec.BlockSize - 1) / wirecodec.BlockSize)
}

// BlockLen returns the length of a specific block within a piece: 16
// KiB except for the piece's final block, which may be shorter.
func (i *Info) BlockLen(pieceIndex, blockIndex int) int {
	pl := i.PieceLen(pieceIndex)
	begin := int64(blockIndex) * wirecodec.BlockSize
	remaining := pl - begin
	if remaining > wirecodec.BlockSize {
		return wirecodec.BlockSize
	}
	return int(remaining)
}
