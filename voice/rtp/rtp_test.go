package rtp

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Sequence: 42, Timestamp: 960 * 7, SSRC: 0xdeadbeef}
	buf := h.Marshal()

	if !LooksLikeRTP(buf[:]) {
		t.Fatalf("marshaled header does not look like RTP: % x", buf)
	}

	got, extLen, err := ParseHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if extLen != 0 {
		t.Fatalf("extLen = %d, want 0", extLen)
	}
	if got != h {
		t.Fatalf("ParseHeader = %+v, want %+v", got, h)
	}
}

func TestCursorIncrements(t *testing.T) {
	cur, err := NewCursor(960)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}

	first := cur.Next(1)
	second := cur.Next(1)

	if second.Sequence != first.Sequence+1 {
		t.Fatalf("sequence did not increment by 1: %d -> %d", first.Sequence, second.Sequence)
	}
	if second.Timestamp != first.Timestamp+960 {
		t.Fatalf("timestamp did not increment by 960: %d -> %d", first.Timestamp, second.Timestamp)
	}
}

func roundTrip(t *testing.T, c Cipher, header [HeaderSize]byte, payload []byte) []byte {
	t.Helper()

	sealed := c.Seal(nil, header[:], payload)
	opened, err := c.Open(nil, header[:], sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("Open = %q, want %q", opened, payload)
	}
	return sealed
}

func TestAESGCMCipherRoundTrip(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	c := NewCipher(ModeAES256GCM, secret)
	h := Header{Sequence: 1, Timestamp: 960, SSRC: 1234}
	header := h.Marshal()

	roundTrip(t, c, header, []byte("opus frame data"))
}

func TestAESGCMCipherRejectsTamperedPacket(t *testing.T) {
	var secret [32]byte
	c := NewCipher(ModeAES256GCM, secret)

	h := Header{Sequence: 1, Timestamp: 960, SSRC: 1}
	header := h.Marshal()

	sealed := c.Seal(nil, header[:], []byte("hello"))
	sealed[0] ^= 0xff

	if _, err := c.Open(nil, header[:], sealed); err != ErrDecryptionFailed {
		t.Fatalf("Open error = %v, want ErrDecryptionFailed", err)
	}
}

func TestAESGCMCipherTrailerCarriesCounter(t *testing.T) {
	var secret [32]byte
	c := NewCipher(ModeAES256GCM, secret)

	h := Header{Sequence: 1, Timestamp: 960, SSRC: 1}
	header := h.Marshal()

	first := c.Seal(nil, header[:], []byte("a"))
	second := c.Seal(nil, header[:], []byte("b"))

	firstCounter := first[len(first)-nonceTrailerSize:]
	secondCounter := second[len(second)-nonceTrailerSize:]

	if bytes.Equal(firstCounter, secondCounter) {
		t.Fatal("successive packets must carry strictly increasing nonce counters")
	}
}

func TestXSalsa20Poly1305CipherRoundTrip(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(255 - i)
	}

	c := NewCipher(ModeXSalsa20Poly1305, secret)
	h := Header{Sequence: 7, Timestamp: 1920, SSRC: 99}
	header := h.Marshal()

	roundTrip(t, c, header, []byte("more opus data"))
}

func TestXSalsa20Poly1305SuffixCipherRoundTrip(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i * 3)
	}

	c := NewCipher(ModeXSalsa20Poly1305Suffix, secret)
	h := Header{Sequence: 1, Timestamp: 960, SSRC: 7}
	header := h.Marshal()

	first := roundTrip(t, c, header, []byte("frame one"))
	second := roundTrip(t, c, header, []byte("frame two"))

	firstNonce := first[len(first)-24:]
	secondNonce := second[len(second)-24:]
	if bytes.Equal(firstNonce, secondNonce) {
		t.Fatal("suffix mode must use a fresh random nonce per packet")
	}
}

func TestXSalsa20Poly1305LiteCipherRoundTripAndCounter(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}

	c := NewCipher(ModeXSalsa20Poly1305Lite, secret)
	h := Header{Sequence: 1, Timestamp: 960, SSRC: 7}
	header := h.Marshal()

	first := roundTrip(t, c, header, []byte("frame one"))
	second := roundTrip(t, c, header, []byte("frame two"))

	firstCounter := first[len(first)-nonceTrailerSize:]
	secondCounter := second[len(second)-nonceTrailerSize:]

	firstN := uint32(firstCounter[0])<<24 | uint32(firstCounter[1])<<16 | uint32(firstCounter[2])<<8 | uint32(firstCounter[3])
	secondN := uint32(secondCounter[0])<<24 | uint32(secondCounter[1])<<16 | uint32(secondCounter[2])<<8 | uint32(secondCounter[3])

	if secondN != firstN+1 {
		t.Fatalf("lite mode nonce counter should advance by exactly 1: %d -> %d", firstN, secondN)
	}
}

func TestSupportsMode(t *testing.T) {
	for _, mode := range []Mode{ModeAES256GCM, ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite} {
		if !SupportsMode(mode) {
			t.Errorf("%s should be supported", mode)
		}
	}
	if SupportsMode(Mode("aead_xchacha20_poly1305_rtpsize")) {
		t.Error("unimplemented modes should not report as supported")
	}
}

func TestPreferredModesAreAllSupported(t *testing.T) {
	for _, mode := range PreferredModes {
		if !SupportsMode(mode) {
			t.Errorf("PreferredModes lists %s but SupportsMode says it isn't supported", mode)
		}
	}
}
