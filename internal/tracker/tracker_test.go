package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 192, 168, 1, 2, 0x00, 0x50}
	peers := parseCompactPeers(raw)
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].IP != "127.0.0.1" || peers[0].Port != 0x1AE1 {
		t.Errorf("peer 0 = %+v", peers[0])
	}
	if peers[1].IP != "192.168.1.2" || peers[1].Port != 80 {
		t.Errorf("peer 1 = %+v", peers[1])
	}
}

// TestAnnounceUDPAgainstMockTracker drives the client against a local
// UDP socket that plays the connect/announce exchange of spec.md §4.4.
func TestAnnounceUDPAgainstMockTracker(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)

		buf := make([]byte, 2048)
		n, addr, err := serverConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		_ = n

		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], 0)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xCAFEBABE)
		serverConn.WriteToUDP(connResp, addr)

		n, addr, err = serverConn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		announceTxID := binary.BigEndian.Uint32(buf[12:16])

		resp := make([]byte, 20+6)
		binary.BigEndian.PutUint32(resp[0:4], 1)
		binary.BigEndian.PutUint32(resp[4:8], announceTxID)
		binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
		binary.BigEndian.PutUint32(resp[12:16], 3)    // leechers
		binary.BigEndian.PutUint32(resp[16:20], 7)    // seeders
		copy(resp[20:24], []byte{10, 0, 0, 1})
		binary.BigEndian.PutUint16(resp[24:26], 6881)
		serverConn.WriteToUDP(resp, addr)
	}()

	url := "udp://" + serverConn.LocalAddr().String()
	peers, interval, err := Announce(url, Params{Left: 100, ListenPort: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mock tracker goroutine did not finish")
	}

	if interval != 1800 {
		t.Errorf("interval = %d, want 1800", interval)
	}
	if len(peers) != 1 || peers[0].IP != "10.0.0.1" || peers[0].Port != 6881 {
		t.Fatalf("peers = %+v", peers)
	}
}

func TestAnnounceRejectsUnsupportedScheme(t *testing.T) {
	if _, _, err := Announce("magnet:?xt=foo", Params{}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
