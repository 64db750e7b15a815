package pool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
)

// PacketKey is one of the NUL-delimited D-result packet kinds (spec §4.3).
// Keep the exact grammar — do not switch to SSE or JSON-lines (spec §9).
type PacketKey string

const (
	PacketReqID    PacketKey = "reqId"
	PacketData     PacketKey = "data"
	PacketLastData PacketKey = "lastData"
	PacketError    PacketKey = "error"
	PacketRetry    PacketKey = "retry"
	PacketKA       PacketKey = "ka"
	PacketClose    PacketKey = "close"
)

// Packet is one decoded `<key>:<payload>` entry from the D-result stream.
type Packet struct {
	Key     PacketKey
	Payload string
}

func isKnownKey(k string) bool {
	switch PacketKey(k) {
	case PacketReqID, PacketData, PacketLastData, PacketError, PacketRetry, PacketKA, PacketClose:
		return true
	default:
		return false
	}
}

// ParseChunk decodes every complete (NUL-terminated) packet in buf.
//
// Per spec §9 ("the D long-poll looks for the last NUL in the accumulated
// buffer; packets following an unterminated tail are discarded on each
// chunk"), this scans backward for the most recent NUL and only considers
// bytes before it; anything after the last NUL — even a well-formed-looking
// partial packet that would complete on the next chunk — is dropped rather
// than carried forward. That behavior is preserved verbatim for worker
// compatibility even though it can lose a packet split across chunk
// boundaries; see DESIGN.md's Open Question note.
func ParseChunk(buf []byte) []Packet {
	last := bytes.LastIndexByte(buf, 0)
	if last < 0 {
		return nil
	}
	complete := buf[:last]
	parts := bytes.Split(complete, []byte{0})

	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		idx := bytes.IndexByte(part, ':')
		if idx < 0 {
			log.Printf("pool: malformed D-result packet (no ':'): %q", part)
			continue
		}
		key := string(part[:idx])
		payload := string(part[idx+1:])
		if !isKnownKey(key) {
			log.Printf("pool: unknown D-result packet key %q, skipping", key)
			continue
		}
		packets = append(packets, Packet{Key: PacketKey(key), Payload: payload})
	}
	return packets
}

// DResultFrameState tracks the "current reqId" that applies to subsequent
// data|lastData|error|retry packets within one chunk, per spec §4.3: "The
// reqId packet sets the current reqId for subsequent ... packets in the
// same chunk."
type DResultFrameState struct {
	currentReqID string
}

// FramedPacket pairs a decoded Packet with the reqId it applies to.
type FramedPacket struct {
	ReqID string
	Packet
}

// Apply walks packets in order, threading currentReqID through them, and
// returns the packets annotated with the reqId they apply to. A reqId
// packet updates state and is not itself returned (it carries no payload
// routed to an Agent).
func (s *DResultFrameState) Apply(packets []Packet) []FramedPacket {
	out := make([]FramedPacket, 0, len(packets))
	for _, p := range packets {
		if p.Key == PacketReqID {
			s.currentReqID = strings.TrimSpace(p.Payload)
			continue
		}
		out = append(out, FramedPacket{ReqID: s.currentReqID, Packet: p})
	}
	return out
}

// OnChunk appends newData to the connection's reassembly buffer, parses
// every complete packet, and resets the buffer — discarding any
// unterminated tail per ParseChunk's documented quirk.
func (c *ClientConnection) OnChunk(newData []byte) []Packet {
	c.mu.Lock()
	c.reassembly = append(c.reassembly, newData...)
	buf := c.reassembly
	c.reassembly = c.reassembly[:0]
	c.mu.Unlock()

	return ParseChunk(buf)
}

// SendStreaming drives a persistent chunked GET (the /dresult long-poll of
// spec §4.3): it dispatches CallbackReq once headers arrive, then feeds
// every body read to CallbackChunkBodyRes as it arrives, until the server
// closes the stream or ctx is cancelled. A header-stage failure dispatches
// CallbackHeaderResError; a mid-stream read failure dispatches
// CallbackChunkBodyResError. The caller is responsible for decoding the raw
// bytes via OnChunk/DResultFrameState and for releasing the connection.
func (c *ClientConnection) SendStreaming(ctx context.Context, req *http.Request) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		c.dispatch(CallbackReqError, []byte(err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := make([]byte, 0, 512)
		buf := make([]byte, 512)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				body = append(body, buf[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		c.dispatch(CallbackHeaderResError, body)
		return
	}
	c.dispatch(CallbackReq, nil)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.dispatch(CallbackChunkBodyRes, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.dispatch(CallbackChunkBodyResError, []byte(err.Error()))
			}
			return
		}
	}
}
