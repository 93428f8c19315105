package wirecodec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: Uninterested},
		{ID: Bitfield, Payload: []byte{}},
		{ID: Bitfield, Payload: []byte{0xFF, 0xFF, 0xFF}},
		{ID: Have, Payload: []byte{0, 0, 0, 7}},
		{KeepAlive: true},
	}

	for _, want := range cases {
		frame := Encode(want)
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)): %v", want, err)
		}
		if got.KeepAlive != want.KeepAlive {
			t.Errorf("KeepAlive = %v, want %v", got.KeepAlive, want.KeepAlive)
		}
		if !want.KeepAlive {
			if got.ID != want.ID {
				t.Errorf("ID = %v, want %v", got.ID, want.ID)
			}
			if !bytes.Equal(got.Payload, want.Payload) {
				t.Errorf("Payload = %v, want %v", got.Payload, want.Payload)
			}
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	frame := EncodeRequest(Request, 3, 16384, 16384)
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != Request {
		t.Fatalf("ID = %v, want Request", msg.ID)
	}
	index, begin, length, err := ParseRequest(msg.Payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if index != 3 || begin != 16384 || length != 16384 {
		t.Errorf("got (%d,%d,%d), want (3,16384,16384)", index, begin, length)
	}
}

func TestPieceLastBlockShort(t *testing.T) {
	block := []byte{1, 2, 3}
	payload := make([]byte, 8+len(block))
	payload[3] = 5 // index = 5
	payload[7] = 0 // begin = 0
	copy(payload[8:], block)

	msg := Message{ID: Piece, Payload: payload}
	frame := Encode(msg)

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	index, begin, data, err := ParsePiece(got.Payload)
	if err != nil {
		t.Fatalf("ParsePiece: %v", err)
	}
	if index != 5 || begin != 0 || !bytes.Equal(data, block) {
		t.Errorf("got (%d,%d,%v), want (5,0,%v)", index, begin, data, block)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	frame := EncodeHave(42)
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != Have {
		t.Fatalf("ID = %v, want Have", msg.ID)
	}
	index, err := ParseHave(msg.Payload)
	if err != nil {
		t.Fatalf("ParseHave: %v", err)
	}
	if index != 42 {
		t.Errorf("ParseHave = %d, want 42", index)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var hs Handshake
	for i := range hs.InfoHash {
		hs.InfoHash[i] = byte(i)
	}
	for i := range hs.PeerID {
		hs.PeerID[i] = byte(20 + i)
	}

	frame := EncodeHandshake(hs)
	if len(frame) != 68 {
		t.Fatalf("handshake frame length = %d, want 68", len(frame))
	}

	got, err := DecodeHandshake(frame)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if got != hs {
		t.Errorf("got %+v, want %+v", got, hs)
	}
}

func TestFrameLenDiscriminatesHandshake(t *testing.T) {
	hs := EncodeHandshake(Handshake{})
	n, ok := FrameLen(hs)
	if !ok {
		t.Fatal("FrameLen: not ok")
	}
	if n != 68 {
		t.Errorf("FrameLen(handshake) = %d, want 68", n)
	}

	regular := Encode(Message{ID: Choke})
	n, ok = FrameLen(regular)
	if !ok {
		t.Fatal("FrameLen: not ok")
	}
	if n != len(regular) {
		t.Errorf("FrameLen(choke) = %d, want %d", n, len(regular))
	}
}

func TestFrameLenNeedsMoreData(t *testing.T) {
	if _, ok := FrameLen(nil); ok {
		t.Error("FrameLen(nil) should not be ok")
	}
	if _, ok := FrameLen([]byte{0}); ok {
		t.Error("FrameLen([]byte{0}) should not be ok")
	}
}

// TestFramedStreamIndependentOfSplit exercises property 8: concatenated
// valid frames decode to the same message sequence regardless of how
// the bytes are split across reads.
func TestFramedStreamIndependentOfSplit(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(Message{ID: Choke})...)
	stream = append(stream, Encode(Message{ID: Unchoke})...)
	stream = append(stream, Encode(Message{KeepAlive: true})...)
	stream = append(stream, Encode(Message{ID: Have, Payload: []byte{0, 0, 0, 9}})...)

	decodeAll := func(chunks [][]byte) []Message {
		var buf []byte
		var out []Message
		for _, c := range chunks {
			buf = append(buf, c...)
			for {
				n, ok := FrameLen(buf)
				if !ok || len(buf) < n {
					break
				}
				msg, err := Decode(buf[:n])
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				out = append(out, msg)
				buf = buf[n:]
			}
		}
		return out
	}

	whole := decodeAll([][]byte{stream})

	var byteAtATime [][]byte
	for _, b := range stream {
		byteAtATime = append(byteAtATime, []byte{b})
	}
	split := decodeAll(byteAtATime)

	if len(whole) != len(split) || len(whole) != 4 {
		t.Fatalf("got %d/%d messages, want 4/4", len(whole), len(split))
	}
	for i := range whole {
		if whole[i].ID != split[i].ID || whole[i].KeepAlive != split[i].KeepAlive {
			t.Errorf("message %d differs: %+v vs %+v", i, whole[i], split[i])
		}
	}
}
