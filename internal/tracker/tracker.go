// Package tracker implements the BEP 15 UDP tracker handshake/announce
// exchange, plus a best-effort HTTP announce used for any http(s)
// tracker URL in the list. Failures of any single tracker are swallowed:
// the caller only learns whether a list of peer endpoints came back.
package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"

	"atleech/internal/wirecodec"
)

// Peer is a deduplicated (IPv4, TCP port) endpoint, as returned by a
// tracker's compact peer list.
type Peer struct {
	IP   string
	Port uint16
}

func (p Peer) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// Params are the fields of an announce request that stay constant
// across every tracker tried for one torrent.
type Params struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Left       uint64
	ListenPort uint16
}

// Announce contacts announceURL (a "udp://" or "http(s)://" tracker
// URL) and returns the peer list it advertises. Non-UDP, non-HTTP URLs
// and any I/O, protocol, or decode failure result in a nil slice and a
// non-nil error; the caller is expected to ignore the tracker and
// continue with whichever others succeed (spec.md §4.4, §7).
func Announce(announceURL string, p Params) ([]Peer, int, error) {
	switch {
	case strings.HasPrefix(announceURL, "udp://"):
		return announceUDP(announceURL, p)
	case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
		return announceHTTP(announceURL, p)
	default:
		return nil, 0, fmt.Errorf("tracker: unsupported announce scheme: %s", announceURL)
	}
}

func randomTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating random key: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// announceUDP implements spec.md §4.4 steps 1-5: bind, connect,
// receive-loop dispatching on the action code, then announce.
func announceUDP(announceURL string, p Params) ([]Peer, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: parsing %q: %w", announceURL, err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: resolving %q: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: dialing %q: %w", addr, err)
	}
	defer conn.Close()

	transactionID, err := randomTransactionID()
	if err != nil {
		return nil, 0, err
	}

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(wirecodec.ConnectRequest(transactionID)); err != nil {
		return nil, 0, fmt.Errorf("tracker: sending connect to %q: %w", announceURL, err)
	}

	buf := make([]byte, 2048)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, 0, fmt.Errorf("tracker: reading from %q: %w", announceURL, err)
		}
		if n < 4 {
			return nil, 0, fmt.Errorf("tracker: datagram from %q too short", announceURL)
		}

		action := binary.BigEndian.Uint32(buf[0:4])

		switch action {
		case 0: // connect response
			connResp, err := wirecodec.DecodeConnectResponse(buf[:n])
			if err != nil {
				return nil, 0, fmt.Errorf("tracker: decoding connect response from %q: %w", announceURL, err)
			}
			if connResp.TransactionID != transactionID {
				return nil, 0, fmt.Errorf("tracker: transaction id mismatch from %q", announceURL)
			}

			key, err := randomUint32()
			if err != nil {
				return nil, 0, err
			}

			announceTxID, err := randomTransactionID()
			if err != nil {
				return nil, 0, err
			}

			req := wirecodec.AnnounceRequest(wirecodec.AnnounceRequestParams{
				ConnectionID:  connResp.ConnectionID,
				TransactionID: announceTxID,
				InfoHash:      p.InfoHash,
				PeerID:        p.PeerID,
				Left:          p.Left,
				Event:         0,
				Key:           key,
				NumWant:       -1,
				Port:          p.ListenPort,
			})

			conn.SetDeadline(time.Now().Add(10 * time.Second))
			if _, err := conn.Write(req); err != nil {
				return nil, 0, fmt.Errorf("tracker: sending announce to %q: %w", announceURL, err)
			}
			transactionID = announceTxID

		default: // treat anything else, including action==1, as an announce response
			announceResp, err := wirecodec.DecodeAnnounceResponse(buf[:n])
			if err != nil {
				return nil, 0, fmt.Errorf("tracker: decoding announce response from %q: %w", announceURL, err)
			}

			return parseCompactPeers(announceResp.Peers), announceResp.Interval, nil
		}
	}
}

func parseCompactPeers(raw []byte) []Peer {
	peers := make([]Peer, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3]).String()
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers
}

type httpTrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// announceHTTP is a best-effort fallback for trackers that speak the
// original HTTP tracker protocol instead of BEP 15. It is additive to
// the UDP-only core contract in spec.md §4.4 (see SPEC_FULL.md),
// exercised only when the caller explicitly includes an http(s) URL.
func announceHTTP(announceURL string, p Params) ([]Peer, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: parsing %q: %w", announceURL, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.ListenPort)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")
	q.Set("event", "started")
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: 15 * time.Second}

	resp, err := client.Get(u.String())
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: HTTP request to %q: %w", announceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker: HTTP status %d from %q", resp.StatusCode, announceURL)
	}

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, 0, fmt.Errorf("tracker: decoding response from %q: %w", announceURL, err)
	}
	if tr.Failure != "" {
		return nil, 0, fmt.Errorf("tracker: %q reported failure: %s", announceURL, tr.Failure)
	}

	return parseCompactPeers([]byte(tr.Peers)), tr.Interval, nil
}

// AnnounceAll tries every URL in order and merges their peer lists,
// deduplicating by endpoint. It never returns an error: an empty slice
// means no tracker in the list yielded peers, matching spec.md §4.4's
// "silently return without contributing peers" failure semantics for
// any individual tracker.
func AnnounceAll(urls []string, p Params) []Peer {
	seen := make(map[string]Peer)

	for _, u := range urls {
		peers, _, err := Announce(u, p)
		if err != nil {
			log.Printf("[FAIL]\ttracker %s: %v\n", u, err)
			continue
		}

		log.Printf("[INFO]\ttracker %s: %d peers\n", u, len(peers))
		for _, peer := range peers {
			seen[peer.String()] = peer
		}
	}

	out := make([]Peer, 0, len(seen))
	for _, peer := range seen {
		out = append(out, peer)
	}
	return out
}
