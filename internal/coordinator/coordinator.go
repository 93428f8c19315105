// Package coordinator owns the work queue, spawns tracker and peer
// session tasks, consumes completed pieces, hands them to the file
// writer, and broadcasts shutdown once every piece is verified.
package coordinator

import (
	crand "crypto/rand"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"atleech/internal/filewriter"
	"atleech/internal/metainfo"
	"atleech/internal/peer"
	"atleech/internal/tracker"
	"atleech/internal/wirecodec"
	"atleech/internal/workqueue"
)

const listenPort = 6881

// Coordinator runs one torrent download end to end.
type Coordinator struct {
	info      *metainfo.Info
	outputDir string
	sessionID uuid.UUID
	peerID    [20]byte
}

// New constructs a coordinator for the given metainfo, writing
// completed files under outputDir.
func New(info *metainfo.Info, outputDir string) (*Coordinator, error) {
	peerID, err := newPeerID()
	if err != nil {
		return nil, fmt.Errorf("coordinator: generating peer id: %w", err)
	}

	return &Coordinator{
		info:      info,
		outputDir: outputDir,
		sessionID: uuid.New(),
		peerID:    peerID,
	}, nil
}

func newPeerID() ([20]byte, error) {
	var random [12]byte
	if _, err := crand.Read(random[:]); err != nil {
		return [20]byte{}, err
	}
	return wirecodec.NewPeerID(random), nil
}

// Run performs the full download: announce to every tracker, connect
// to every peer endpoint discovered, and block until every piece has
// been verified and written to disk.
func (c *Coordinator) Run() error {
	log.Printf("[INFO]\t[%s] starting download of %q (%d pieces, %d bytes)\n",
		c.sessionID, c.info.Name(), c.info.NumPieces(), c.info.TotalSize())

	queue := workqueue.New()

	writer, err := filewriter.Create(c.info, c.outputDir)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	defer writer.Close()

	pieceOut := make(chan peer.Completed, c.info.NumPieces())
	statusBus := newStatusBus()

	endpoints := c.discoverPeers()
	if len(endpoints) == 0 {
		return fmt.Errorf("coordinator: no peers discovered from any tracker")
	}

	var seen sync.Map
	var wg sync.WaitGroup

	for _, ep := range endpoints {
		key := ep.String()
		if _, dup := seen.LoadOrStore(key, struct{}{}); dup {
			continue
		}

		wg.Add(1)
		go func(ep tracker.Peer) {
			defer wg.Done()
			sess := peer.New(ep, c.info, queue, c.peerID, pieceOut, statusBus.subscribe())
			sess.Run()
		}(ep)
	}

	bar := progressbar.NewOptions(c.info.NumPieces(),
		progressbar.OptionSetDescription(c.info.Name()),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	completed := 0
	for completed < c.info.NumPieces() {
		piece := <-pieceOut

		if !queue.Complete(piece.Index) {
			// Already delivered by another session racing the same
			// index; the completion set's idempotency absorbs it.
			continue
		}

		if err := writer.WritePiece(piece.Index, piece.Bytes); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}

		completed++
		bar.Add(1)

		pct := 100 * float64(completed) / float64(c.info.NumPieces())
		fmt.Printf("Completed piece: %d. %.2f%%\n", piece.Index, pct)
	}

	statusBus.broadcast(peer.Closing)
	queue.Close()
	wg.Wait()

	fmt.Println("Finished")
	return nil
}

// discoverPeers announces to every tracker URL named by the torrent. A
// torrent naming none at all falls back to a short list of well-known
// public UDP trackers rather than failing outright.
func (c *Coordinator) discoverPeers() []tracker.Peer {
	urls := c.info.AnnounceURLs()
	if len(urls) == 0 {
		urls = fallbackTrackers
	}

	params := tracker.Params{
		InfoHash:   c.info.InfoHash(),
		PeerID:     c.peerID,
		Left:       uint64(c.info.TotalSize()),
		ListenPort: listenPort,
	}

	return tracker.AnnounceAll(urls, params)
}

var fallbackTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

// statusBus is an unbounded broadcast channel: every subscriber gets
// its own buffered channel, and broadcast fans a status out to all of
// them without blocking on a slow or abandoned subscriber.
type statusBus struct {
	mu   sync.Mutex
	subs []chan peer.Status
}

func newStatusBus() *statusBus {
	return &statusBus{}
}

func (b *statusBus) subscribe() <-chan peer.Status {
	ch := make(chan peer.Status, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *statusBus) broadcast(status peer.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- status:
		default:
		}
		close(ch)
	}
}
