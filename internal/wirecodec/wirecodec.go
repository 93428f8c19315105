// Package wirecodec encodes and decodes the fixed set of BitTorrent
// peer-wire messages (BEP 3) and the UDP tracker connect/announce
// frames (BEP 15). All multi-byte integers are big-endian.
package wirecodec

import (
	"encoding/binary"
	"fmt"
)

// BlockSize is the fixed block length the wire protocol requests
// pieces in, 16 KiB.
const BlockSize = 1 << 14

// MessageID identifies a peer-wire message's payload shape.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	Uninterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

const (
	protocolName = "BitTorrent protocol"
	pstrlen      = 19
	peerIDPrefix = "-AT0001-"
)

// Message is a decoded peer-wire frame. A keep-alive is represented as
// a Message with KeepAlive set to true; its ID and Payload are unused.
type Message struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}

// Encode serializes a message as a length-prefixed frame: a 4-byte
// big-endian length followed by the id byte and payload.
func Encode(msg Message) []byte {
	if msg.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// EncodeRequest builds a request (or, with the same layout, a cancel)
// message for the given piece index, block offset, and block length.
func EncodeRequest(id MessageID, index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Encode(Message{ID: id, Payload: payload})
}

// EncodeHave builds a have message advertising the given piece index.
func EncodeHave(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Encode(Message{ID: Have, Payload: payload})
}

// FrameLen inspects the start of buf and returns the total length of
// the next frame, applying the handshake framing shortcut from
// spec.md §4.1: bytes 1-2 equal to "Bi" identify a handshake frame of
// length buf[0]+49 instead of a regular length-prefixed message. ok is
// false if buf does not yet hold enough bytes to decide.
func FrameLen(buf []byte) (n int, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	if len(buf) >= 3 && buf[1] == 'B' && buf[2] == 'i' {
		return int(buf[0]) + 49, true
	}
	if len(buf) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[0:4])) + 4, true
}

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake serializes a handshake with zeroed reserved bytes.
func EncodeHandshake(hs Handshake) []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, pstrlen)
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	return buf
}

// DecodeHandshake parses a 68-byte handshake frame previously sliced
// out via FrameLen.
func DecodeHandshake(frame []byte) (Handshake, error) {
	if len(frame) < 49 {
		return Handshake{}, fmt.Errorf("wirecodec: handshake frame too short: %d bytes", len(frame))
	}

	pl := int(frame[0])
	if pl != pstrlen || string(frame[1:1+pl]) != protocolName {
		return Handshake{}, fmt.Errorf("wirecodec: unrecognized protocol name")
	}

	rest := frame[1+pl:]
	if len(rest) < 48 {
		return Handshake{}, fmt.Errorf("wirecodec: handshake frame truncated")
	}

	var hs Handshake
	copy(hs.InfoHash[:], rest[8:28])
	copy(hs.PeerID[:], rest[28:48])
	return hs, nil
}

// Decode parses a regular (non-handshake) frame, given the raw bytes
// of the frame including its 4-byte length prefix.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 4 {
		return Message{}, fmt.Errorf("wirecodec: frame too short: %d bytes", len(frame))
	}

	length := binary.BigEndian.Uint32(frame[0:4])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}

	body := frame[4:]
	if len(body) < 1 {
		return Message{}, fmt.Errorf("wirecodec: frame declares length %d but carries no id byte", length)
	}

	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// ParseRequest decodes a request/cancel payload into its three fields.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, fmt.Errorf("wirecodec: request payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		nil
}

// ParsePiece decodes a piece payload into its index, block offset, and
// block bytes.
func ParsePiece(payload []byte) (index, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wirecodec: piece payload too short: %d bytes", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	block = payload[8:]
	return index, begin, block, nil
}

// ParseHave decodes a have payload into the advertised piece index.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("wirecodec: have payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// --- UDP tracker frames (BEP 15) ---

const protocolID uint64 = 0x41727101980

// ConnectRequest builds the 16-byte UDP tracker connect request.
func ConnectRequest(transactionID uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], protocolID)
	binary.BigEndian.PutUint32(buf[8:12], 0) // action = connect
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

// ConnectResponse is the parsed reply to a connect request.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

// DecodeConnectResponse parses a connect response datagram. The
// caller has already dispatched on action==0 per spec.md §4.4 step 3.
func DecodeConnectResponse(buf []byte) (ConnectResponse, error) {
	if len(buf) < 16 {
		return ConnectResponse{}, fmt.Errorf("wirecodec: connect response too short: %d bytes", len(buf))
	}
	return ConnectResponse{
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// AnnounceRequestParams holds the fields of a UDP tracker announce
// request (98 bytes total).
type AnnounceRequestParams struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

// AnnounceRequest serializes a UDP tracker announce request.
func AnnounceRequest(p AnnounceRequestParams) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], p.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], 1) // action = announce
	binary.BigEndian.PutUint32(buf[12:16], p.TransactionID)
	copy(buf[16:36], p.InfoHash[:])
	copy(buf[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], p.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], p.Left)
	binary.BigEndian.PutUint64(buf[72:80], p.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], p.Event)
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0 (default)
	binary.BigEndian.PutUint32(buf[88:92], p.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(p.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], p.Port)
	return buf
}

// AnnounceResponse is the parsed reply to an announce request.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      int
	Leechers      uint32
	Seeders       uint32
	Peers         []byte // packed 6-byte (ipv4, port) records
}

// DecodeAnnounceResponse parses an announce response datagram. The
// caller dispatches here on any action code other than 0 (connect),
// per spec.md §4.4 step 3; the action field itself is not checked.
func DecodeAnnounceResponse(buf []byte) (AnnounceResponse, error) {
	if len(buf) < 20 {
		return AnnounceResponse{}, fmt.Errorf("wirecodec: announce response too short: %d bytes", len(buf))
	}

	peers := buf[20:]
	if len(peers)%6 != 0 {
		return AnnounceResponse{}, fmt.Errorf("wirecodec: peers length %d not a multiple of 6", len(peers))
	}

	return AnnounceResponse{
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Interval:      int(binary.BigEndian.Uint32(buf[8:12])),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         append([]byte(nil), peers...),
	}, nil
}

// NewPeerID generates a peer id of the form "-AT0001-" followed by 12
// random bytes, per spec.md §4.1.
func NewPeerID(random12 [12]byte) [20]byte {
	var id [20]byte
	copy(id[:8], peerIDPrefix)
	copy(id[8:], random12[:])
	return id
}
