// Package rtp implements the voice RTP codec: framing audio packets per
// https://discord.com/developers/docs/topics/voice-connections#encrypting-and-sending-voice
// and decrypting/parsing the packets a voice server sends back.
package rtp

import (
	"github.com/pion/randutil"
	"github.com/pion/rtp"
)

const (
	// version is the RTP version Discord expects, packed with the padding,
	// extension, and CSRC count bits Discord never sets.
	version byte = 0x80
	// payloadType is Discord's fixed payload type for Opus audio.
	payloadType byte = 0x78

	// HeaderSize is the fixed size of a Discord voice RTP header: no CSRC
	// list, no header extension.
	HeaderSize = 12
)

// Header describes the framing fields of a single voice packet. It mirrors
// github.com/pion/rtp's Header but is restricted to the subset Discord's
// voice servers understand.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// Cursor tracks the Sequence/Timestamp pair for successive outgoing
// packets in one voice session: sequence wraps at 2^16, timestamp wraps at
// 2^32 advancing by TimeIncrement (960 samples, Discord's fixed 20ms Opus
// frame at 48kHz) per packet, regardless of payload content. It is reset
// only by starting a new session (NewCursor), never mid-session. RFC 3550
// §5.1 recommends randomizing the initial values so a passive observer
// can't fingerprint a stream by its starting point; reusing 0 every
// reconnect is what the teacher's original implementation did.
type Cursor struct {
	sequence  uint16
	timestamp uint32

	// TimeIncrement is added to Timestamp after every packet.
	TimeIncrement uint32
}

// NewCursor creates a Cursor with a randomized starting sequence number and
// timestamp, incrementing by timeIncrement samples per packet.
func NewCursor(timeIncrement uint32) (*Cursor, error) {
	gen := randutil.NewMathRandomGenerator()
	return &Cursor{
		sequence:      uint16(gen.Uint32()),
		timestamp:     gen.Uint32(),
		TimeIncrement: timeIncrement,
	}, nil
}

// Next returns the Header to use for the next outgoing packet and advances
// the internal counters by exactly +1 / +TimeIncrement, wrapping on
// overflow.
func (s *Cursor) Next(ssrc uint32) Header {
	h := Header{Sequence: s.sequence, Timestamp: s.timestamp, SSRC: ssrc}
	s.sequence++
	s.timestamp += s.TimeIncrement
	return h
}

// Marshal encodes h into the fixed 12-byte Discord RTP header.
func (h Header) Marshal() [HeaderSize]byte {
	pkt := rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: h.Sequence,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}

	var buf [HeaderSize]byte
	n, err := pkt.MarshalTo(buf[:])
	if err != nil || n != HeaderSize {
		// pion/rtp always succeeds for a header with no CSRC/extension; a
		// failure here means our fixed-size buffer assumption broke.
		panic("rtp: unexpected header marshal failure")
	}
	return buf
}

// LooksLikeRTP reports whether buf is long enough to hold a header and
// carries the version/flags byte Discord's voice servers send (0x80, or
// 0x90 when the marker bit is set for the first packet of a talk spurt).
func LooksLikeRTP(buf []byte) bool {
	return len(buf) >= HeaderSize && (buf[0] == version || buf[0] == version|0x10)
}

// ParseHeader decodes the first HeaderSize bytes of buf into a Header. Any
// header extension (present when the extension bit is set) is skipped; its
// length in bytes is returned as extLen so the caller can slice past it.
func ParseHeader(buf []byte) (h Header, extLen int, err error) {
	var pkt rtp.Header
	n, err := pkt.Unmarshal(buf)
	if err != nil {
		return Header{}, 0, err
	}

	h = Header{
		Sequence:  pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		SSRC:      pkt.SSRC,
	}

	return h, n - HeaderSize, nil
}
