package pool

import (
	"context"
	"testing"
)

func TestParseChunkBasic(t *testing.T) {
	buf := []byte("reqId:abc\x00data:foo\x00data:bar\x00")
	packets := ParseChunk(buf)
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d: %+v", len(packets), packets)
	}
	if packets[0].Key != PacketReqID || packets[0].Payload != "abc" {
		t.Fatalf("unexpected first packet: %+v", packets[0])
	}
}

func TestParseChunkDiscardsUnterminatedTail(t *testing.T) {
	buf := []byte("reqId:abc\x00data:fo")
	packets := ParseChunk(buf)
	if len(packets) != 1 {
		t.Fatalf("expected only the complete reqId packet, got %+v", packets)
	}
	if packets[0].Key != PacketReqID {
		t.Fatalf("expected reqId packet, got %+v", packets[0])
	}
}

func TestParseChunkSkipsUnknownKey(t *testing.T) {
	buf := []byte("bogus:x\x00data:y\x00")
	packets := ParseChunk(buf)
	if len(packets) != 1 || packets[0].Key != PacketData {
		t.Fatalf("expected unknown key skipped, got %+v", packets)
	}
}

func TestFrameStateThreadsReqID(t *testing.T) {
	packets := ParseChunk([]byte("reqId:r1\x00data:a\x00data:b\x00reqId:r2\x00data:c\x00"))
	var s DResultFrameState
	framed := s.Apply(packets)
	if len(framed) != 3 {
		t.Fatalf("expected 3 framed data packets, got %d", len(framed))
	}
	if framed[0].ReqID != "r1" || framed[1].ReqID != "r1" {
		t.Fatalf("expected first two packets attributed to r1, got %+v", framed[:2])
	}
	if framed[2].ReqID != "r2" {
		t.Fatalf("expected third packet attributed to r2, got %+v", framed[2])
	}
}

func TestClientConnectionOnChunkAccumulatesThenResets(t *testing.T) {
	c := &ClientConnection{Available: true}
	packets := c.OnChunk([]byte("reqId:r1\x00data:partial"))
	if len(packets) != 1 {
		t.Fatalf("expected 1 complete packet from first chunk, got %+v", packets)
	}
	// The unterminated "data:partial" tail was discarded, not carried over.
	packets2 := c.OnChunk([]byte("data:next\x00"))
	if len(packets2) != 1 || packets2[0].Payload != "next" {
		t.Fatalf("expected only the new chunk's packet, got %+v", packets2)
	}
}

func TestApplyConnReusesAvailableConnection(t *testing.T) {
	p := New(100, 0, 0)
	c := &ClientConnection{Target: "1.2.3.4:80", Available: true}
	p.conns["1.2.3.4:80"] = []*ClientConnection{c}

	got := p.ApplyConn(nil, "1.2.3.4", 80, ClientHandler{}, "req-1", 0)
	if got != c {
		t.Fatalf("expected existing connection to be reused")
	}
	if c.Available {
		t.Fatalf("expected ApplyConn to flip Available to false")
	}
	if c.ReqID() != "req-1" {
		t.Fatalf("expected reqID bound to req-1, got %q", c.ReqID())
	}
}

func TestApplyConnSkipsUnavailable(t *testing.T) {
	p := New(100, 0, 0)
	busy := &ClientConnection{Target: "127.0.0.1:1", Available: false}
	p.conns["127.0.0.1:1"] = []*ClientConnection{busy}

	// dial() will fail against an unreachable address; ApplyConn should
	// return nil rather than reusing the busy connection.
	got := p.ApplyConn(context.Background(), "127.0.0.1", 1, ClientHandler{}, "req-2", 0)
	if got == busy {
		t.Fatalf("must not reuse an unavailable connection")
	}
}
