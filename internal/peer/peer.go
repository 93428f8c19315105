// Package peer implements the per-peer BitTorrent wire-protocol state
// machine: handshake, bitfield ingestion, choke/unchoke, and
// interleaved piece download with a progress timeout.
package peer

import (
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"atleech/internal/metainfo"
	"atleech/internal/piece"
	"atleech/internal/tracker"
	"atleech/internal/wirecodec"
	"atleech/internal/workqueue"
)

// Status is the peer session's lifecycle stage, broadcast to every
// session by the coordinator. Closing (broadcast by the coordinator)
// and Halted (set by the session itself) drive behavior: both end the
// read loop. Leeching and Peering are recorded but change nothing, and
// Seeding is never assigned (see DESIGN.md's Open Question decision).
type Status int

const (
	Leeching Status = iota // session created, peer's handshake not yet received
	Peering                // handshake exchanged; kept for the rest of the download
	Seeding                // placeholder: never reached by a leech-only client
	Halted                 // no assignable work remains for this peer
	Closing                // coordinator is shutting down; session must exit
)

// Completed is produced exactly once per verified piece and consumed
// by the coordinator.
type Completed struct {
	Index int
	Bytes []byte
}

const readBufCap = 65536

// Timeouts are package-level vars, not consts, so tests can shrink
// them instead of waiting out real network timeouts.
var (
	stallTimeout = 10 * time.Second
	dialTimeout  = 5 * time.Second
	pollInterval = time.Second
)

// Session manages one TCP connection to one peer for the life of a
// download attempt.
type Session struct {
	addr     tracker.Peer
	info     *metainfo.Info
	queue    *workqueue.Queue
	pieceOut chan<- Completed
	statusIn <-chan Status
	peerID   [20]byte

	conn         net.Conn
	status       Status
	bitfield     []byte
	choked       bool
	inflight     *piece.InFlight
	lastProgress time.Time
}

// New constructs a session for addr. The session does nothing until
// Run is called.
func New(addr tracker.Peer, info *metainfo.Info, queue *workqueue.Queue, peerID [20]byte, pieceOut chan<- Completed, statusIn <-chan Status) *Session {
	return &Session{
		addr:     addr,
		info:     info,
		queue:    queue,
		peerID:   peerID,
		pieceOut: pieceOut,
		statusIn: statusIn,
		status:   Leeching,
		choked:   true,
	}
}

// Run connects to the peer, performs the handshake, and drives the
// read loop until the connection closes, the peer stalls, an I/O or
// protocol error occurs, or the coordinator broadcasts Closing. Any
// in-flight piece held at exit is released back to the queue. Run
// never returns an error: all failures are terminal for this session
// alone (spec.md §7).
func (s *Session) Run() {
	if err := s.connect(); err != nil {
		log.Printf("[FAIL]\tpeer %s: %v\n", s.addr, err)
		return
	}
	defer s.close()

	s.readLoop()
}

func (s *Session) connect() error {
	conn, err := net.DialTimeout("tcp", s.addr.String(), dialTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.conn = conn

	frame := wirecodec.EncodeHandshake(wirecodec.Handshake{InfoHash: s.info.InfoHash(), PeerID: s.peerID})
	s.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		conn.Close()
		return fmt.Errorf("sending handshake: %w", err)
	}

	s.lastProgress = time.Now()
	return nil
}

func (s *Session) close() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.inflight != nil {
		s.queue.Push(s.inflight.Index, s.inflight.Frequency)
		s.inflight = nil
	}
}

// readLoop implements spec.md §4.5's receive loop: accumulate bytes,
// frame them via the codec's handshake-or-regular discriminator,
// dispatch, and drain. A status message of Closing short-circuits the
// loop; any I/O or protocol error is fatal to the session.
func (s *Session) readLoop() {
	buf := make([]byte, 0, readBufCap)
	readBuf := make([]byte, readBufCap)

	sawHandshake := false
	statusCh := make(chan Status, 1)
	go s.forwardStatus(statusCh)

	for {
		select {
		case st := <-statusCh:
			if st == Closing {
				log.Printf("[INFO]\tpeer %s: closing on coordinator broadcast\n", s.addr)
				return
			}
		default:
		}

		if time.Since(s.lastProgress) > stallTimeout {
			log.Printf("[INFO]\tpeer %s: stalled, closing\n", s.addr)
			return
		}

		for {
			n, ok := wirecodec.FrameLen(buf)
			if !ok || len(buf) < n {
				break
			}

			frame := buf[:n]
			if !sawHandshake {
				if err := s.dispatchHandshake(frame); err != nil {
					log.Printf("[FAIL]\tpeer %s: %v\n", s.addr, err)
					return
				}
				sawHandshake = true
			} else if err := s.dispatch(frame); err != nil {
				log.Printf("[FAIL]\tpeer %s: %v\n", s.addr, err)
				return
			}

			buf = buf[n:]

			if s.status == Halted {
				return
			}
		}

		// The read deadline is bounded by pollInterval, not the
		// stall timeout itself, so the loop wakes up regularly to
		// re-check the stall clock and the status channel even when
		// the peer sends nothing at all.
		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := s.conn.Read(readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err != io.EOF {
				log.Printf("[FAIL]\tpeer %s: read: %v\n", s.addr, err)
			}
			return
		}
		buf = append(buf, readBuf[:n]...)
	}
}

func (s *Session) forwardStatus(out chan<- Status) {
	for st := range s.statusIn {
		select {
		case out <- st:
		default:
		}
		if st == Closing {
			return
		}
	}
}

func (s *Session) dispatchHandshake(frame []byte) error {
	if _, err := wirecodec.DecodeHandshake(frame); err != nil {
		return fmt.Errorf("decoding handshake: %w", err)
	}

	s.status = Peering

	if _, err := s.conn.Write(wirecodec.Encode(wirecodec.Message{ID: wirecodec.Interested})); err != nil {
		return fmt.Errorf("sending interested: %w", err)
	}
	return nil
}

// dispatch handles one regular (post-handshake) frame.
func (s *Session) dispatch(frame []byte) error {
	msg, err := wirecodec.Decode(frame)
	if err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	if msg.KeepAlive {
		return nil
	}

	switch msg.ID {
	case wirecodec.Choke:
		s.choked = true

	case wirecodec.Unchoke:
		s.choked = false
		return s.beginRequesting()

	case wirecodec.Bitfield:
		s.bitfield = append([]byte(nil), msg.Payload...)
		anySet := false
		for i := 0; i < s.info.NumPieces(); i++ {
			if hasBit(s.bitfield, i) {
				s.queue.Push(i, 1)
				anySet = true
			}
		}
		if !anySet {
			// This peer's (static, never updated by `have`)
			// bitfield can never satisfy any predicate built from
			// it — there is no work this peer could ever serve, so
			// there is nothing to wait for.
			s.status = Halted
			return nil
		}
		return s.claimNext()

	case wirecodec.Piece:
		return s.onPiece(msg.Payload)

	case wirecodec.Have, wirecodec.Port:
		// Incremental availability from `have` is a known missed
		// optimization: the session's bitfield is not updated, so
		// such pieces stay unrequestable from this peer.

	default:
		// Unknown ids, `interested`/`uninterested` echoes, and
		// `cancel` are accepted and ignored.
	}

	return nil
}

func (s *Session) onPiece(payload []byte) error {
	index, begin, block, err := wirecodec.ParsePiece(payload)
	if err != nil {
		return err
	}
	if s.inflight == nil || int(index) != s.inflight.Index {
		return nil
	}

	blockIndex := int(begin) / wirecodec.BlockSize
	if !s.inflight.AddBlock(blockIndex, block) {
		return nil
	}

	data := s.inflight.Assemble()
	hash := sha1.Sum(data)

	if hash != s.info.PieceHash(s.inflight.Index) {
		log.Printf("[ERROR]\tpeer %s: piece %d hash mismatch, releasing\n", s.addr, s.inflight.Index)
		s.queue.Push(s.inflight.Index, s.inflight.Frequency)
	} else {
		// The channel is sized to num_pieces (spec.md §4.6), so this
		// send cannot block forever under correct operation — it is
		// one of the suspension points of §5, not a fast-path check.
		s.pieceOut <- Completed{Index: s.inflight.Index, Bytes: data}
	}

	s.lastProgress = time.Now()
	s.inflight = nil

	if err := s.claimNext(); err != nil {
		return err
	}
	if s.status == Halted {
		return nil
	}
	if !s.choked {
		return s.beginRequesting()
	}
	return nil
}

// claimNext pops the next piece this peer's bitfield can serve. Pop
// blocks until such a piece is queued or the queue is closed; once the
// queue is closed with nothing selectable the session transitions to
// Halted, which the read loop treats as a reason to stop.
func (s *Session) claimNext() error {
	pred := func(index int) bool { return hasBit(s.bitfield, index) }

	index, freq, ok := s.queue.Pop(pred)
	if !ok {
		s.status = Halted
		return nil
	}

	s.inflight = piece.New(index, freq, s.info)

	if !s.choked {
		return s.beginRequesting()
	}
	return nil
}

// beginRequesting issues block-request messages back to back until the
// assembler reports every block has been requested (spec.md §4.5:
// "there is no explicit request-window cap").
func (s *Session) beginRequesting() error {
	if s.inflight == nil {
		return nil
	}

	for {
		stop, err := s.inflight.SendNextRequest(s.conn)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

func hasBit(bitfield []byte, index int) bool {
	byteIndex := index / 8
	bitIndex := uint(index % 8)
	if byteIndex < 0 || byteIndex >= len(bitfield) {
		return false
	}
	return (bitfield[byteIndex]>>(7-bitIndex))&1 == 1
}
