// Package piece tracks requested/received blocks for a single
// in-flight piece and drives block-request messages on a socket.
package piece

import (
	"fmt"
	"io"

	"atleech/internal/metainfo"
	"atleech/internal/wirecodec"
)

// InFlight is owned by exactly one peer session at a time. It is not
// safe for concurrent use: ownership transfers as a value (claim,
// release, or complete), never as a shared reference mutated from two
// goroutines at once.
type InFlight struct {
	Index     int
	Frequency int

	blocks     [][]byte
	requested  []bool
	completed  int
	requestedN int
	numBlocks  int
	info       *metainfo.Info
}

// New allocates an assembler for the given piece.
func New(index, frequency int, info *metainfo.Info) *InFlight {
	n := info.BlocksPerPiece(index)
	return &InFlight{
		Index:     index,
		Frequency: frequency,
		blocks:    make([][]byte, n),
		requested: make([]bool, n),
		numBlocks: n,
		info:      info,
	}
}

// NextBlockToRequest returns the index of the first not-yet-requested
// block, or ok=false if every block has been requested.
func (p *InFlight) NextBlockToRequest() (index int, ok bool) {
	for i, r := range p.requested {
		if !r {
			return i, true
		}
	}
	return 0, false
}

// AllRequested reports whether every block has been requested.
func (p *InFlight) AllRequested() bool {
	return p.requestedN == p.numBlocks
}

// Complete reports whether every block slot holds data.
func (p *InFlight) Complete() bool {
	return p.completed == p.numBlocks
}

// AddBlock stores a received block's bytes and reports whether the
// piece is now complete. The caller is responsible for deriving
// blockIndex from the wire message's begin offset and rejecting
// indices it computes as out of range; AddBlock itself does no bounds
// checking beyond the slice length.
func (p *InFlight) AddBlock(blockIndex int, data []byte) bool {
	if blockIndex < 0 || blockIndex >= len(p.blocks) {
		return false
	}
	if p.blocks[blockIndex] == nil {
		p.completed++
	}
	p.blocks[blockIndex] = data
	return p.Complete()
}

// Assemble concatenates the stored blocks into the piece's full byte
// payload. It must only be called once Complete() is true.
func (p *InFlight) Assemble() []byte {
	out := make([]byte, 0, p.info.PieceLen(p.Index))
	for _, b := range p.blocks {
		out = append(out, b...)
	}
	return out
}

// SendNextRequest emits a request message for the next not-yet-requested
// block over w, marks it requested, and reports whether there was a
// block left to request. It returns stop=true (meaning "nothing left
// to request") once every block has been requested.
func (p *InFlight) SendNextRequest(w io.Writer) (stop bool, err error) {
	blockIndex, ok := p.NextBlockToRequest()
	if !ok {
		return true, nil
	}

	begin := uint32(blockIndex) * wirecodec.BlockSize
	length := uint32(p.info.BlockLen(p.Index, blockIndex))

	frame := wirecodec.EncodeRequest(wirecodec.Request, uint32(p.Index), begin, length)
	if _, err := w.Write(frame); err != nil {
		return false, fmt.Errorf("piece: sending request for piece %d block %d: %w", p.Index, blockIndex, err)
	}

	p.requested[blockIndex] = true
	p.requestedN++
	return false, nil
}
