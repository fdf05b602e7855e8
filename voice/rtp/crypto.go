package rtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailed is returned from a Cipher's Open when the AEAD tag (or
// secretbox's appended MAC) doesn't verify.
var ErrDecryptionFailed = errors.New("rtp: decryption failed")

// Mode is an encryption mode name as advertised in the voice gateway's
// READY payload and selected via SELECT_PROTOCOL.
// https://discord.com/developers/docs/topics/voice-connections#transport-encryption-modes-transport-encryption-modes
type Mode string

const (
	// ModeXSalsa20Poly1305 uses the packet's own RTP header, zero-padded
	// to 24 bytes, as the secretbox nonce. No trailer.
	ModeXSalsa20Poly1305 Mode = "xsalsa20_poly1305"
	// ModeXSalsa20Poly1305Suffix uses 24 random bytes generated fresh per
	// packet as the nonce, appended in the clear as a 24-byte trailer.
	ModeXSalsa20Poly1305Suffix Mode = "xsalsa20_poly1305_suffix"
	// ModeXSalsa20Poly1305Lite uses a monotonic 32-bit counter, big-endian,
	// zero-padded to 24 bytes, as the nonce; the 4-byte counter is
	// appended in the clear as a trailer. nonceCounter only advances for
	// this mode.
	ModeXSalsa20Poly1305Lite Mode = "xsalsa20_poly1305_lite"
	// ModeAES256GCM is Discord's current preferred mode, not present in
	// the xsalsa20 family: AES-256-GCM with a 4-byte incrementing counter
	// appended as a trailer, matching the lite mode's trailer shape.
	ModeAES256GCM Mode = "aead_aes256_gcm_rtpsize"
)

// PreferredModes is the mode list sent in SELECT_PROTOCOL's Data.Mode,
// ordered by preference; the voice server picks exactly one and echoes it
// back. This reflects Discord's documented migration away from the
// xsalsa20 family while keeping it as a fallback for servers that still
// offer it.
var PreferredModes = []Mode{
	ModeAES256GCM,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305Suffix,
	ModeXSalsa20Poly1305,
}

// SupportsMode reports whether this package can encrypt/decrypt mode.
func SupportsMode(mode Mode) bool {
	switch mode {
	case ModeAES256GCM, ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite:
		return true
	default:
		return false
	}
}

// Cipher seals and opens voice packet payloads under a session secret key.
// Nonce construction and advancement is entirely internal: the caller never
// manages a nonce or counter itself, matching the rule that nonce state is
// owned by the codec and advanced only by the send path.
type Cipher interface {
	// Seal encrypts payload using header (the packet's marshaled RTP
	// header) as associated data, returning the bytes to append after the
	// header on the wire (ciphertext, tag, and any mode-specific trailer).
	Seal(dst, header, payload []byte) []byte
	// Open decrypts ciphertext taken from after a packet's header, using
	// the header as associated data.
	Open(dst, header, ciphertext []byte) ([]byte, error)
}

// NewCipher builds a Cipher for mode using secret. It panics if mode isn't
// supported; callers should check SupportsMode (or rely on SELECT_PROTOCOL
// only ever echoing back a mode from PreferredModes) first.
func NewCipher(mode Mode, secret [32]byte) Cipher {
	switch mode {
	case ModeAES256GCM:
		return newAESGCMCipher(secret)
	case ModeXSalsa20Poly1305:
		return &xsalsa20Poly1305Cipher{secret: secret}
	case ModeXSalsa20Poly1305Suffix:
		return &xsalsa20Poly1305SuffixCipher{secret: secret}
	case ModeXSalsa20Poly1305Lite:
		return &xsalsa20Poly1305LiteCipher{secret: secret}
	default:
		panic("rtp: unsupported encryption mode " + string(mode))
	}
}

// xsalsa20Poly1305Cipher implements the base mode: the 24-byte secretbox
// nonce is the 12-byte RTP header, zero-padded.
type xsalsa20Poly1305Cipher struct {
	secret [32]byte
}

func (c *xsalsa20Poly1305Cipher) Seal(dst, header, payload []byte) []byte {
	var nonce [24]byte
	copy(nonce[:], header)
	return secretbox.Seal(dst, payload, &nonce, &c.secret)
}

func (c *xsalsa20Poly1305Cipher) Open(dst, header, ciphertext []byte) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], header)

	opened, ok := secretbox.Open(dst, ciphertext, &nonce, &c.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return opened, nil
}

// xsalsa20Poly1305SuffixCipher generates 24 random nonce bytes per packet
// and appends them in the clear so the receiver can reconstruct the nonce.
type xsalsa20Poly1305SuffixCipher struct {
	secret [32]byte
}

func (c *xsalsa20Poly1305SuffixCipher) Seal(dst, _, payload []byte) []byte {
	var nonce [24]byte
	// Nonce material is security-sensitive, so this reads the CSPRNG
	// (crypto/rand) rather than pion/randutil's math/rand-backed
	// generator, which is only used elsewhere for non-cryptographic
	// sequence/timestamp seeding.
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(errors.Wrap(err, "rtp: failed to generate suffix nonce"))
	}

	sealed := secretbox.Seal(dst, payload, &nonce, &c.secret)
	return append(sealed, nonce[:]...)
}

func (c *xsalsa20Poly1305SuffixCipher) Open(dst, _, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, errors.New("rtp: packet too short to hold a suffix nonce")
	}

	body := ciphertext[:len(ciphertext)-24]
	var nonce [24]byte
	copy(nonce[:], ciphertext[len(ciphertext)-24:])

	opened, ok := secretbox.Open(dst, body, &nonce, &c.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return opened, nil
}

// nonceTrailerSize is the length of the plaintext nonce counter every
// lite-family (xsalsa20_poly1305_lite and aead_aes256_gcm_rtpsize) packet
// carries after its ciphertext.
const nonceTrailerSize = 4

// xsalsa20Poly1305LiteCipher uses a monotonic 32-bit counter, big-endian
// and zero-padded to the 24-byte secretbox nonce size, appending the raw
// 4-byte counter after the ciphertext. nonceCounter only advances for this
// mode among the xsalsa20 family.
type xsalsa20Poly1305LiteCipher struct {
	secret  [32]byte
	counter uint32
}

func (c *xsalsa20Poly1305LiteCipher) Seal(dst, _, payload []byte) []byte {
	n := atomic.AddUint32(&c.counter, 1)

	var nonce [24]byte
	binary.BigEndian.PutUint32(nonce[:nonceTrailerSize], n)

	sealed := secretbox.Seal(dst, payload, &nonce, &c.secret)

	var suffix [nonceTrailerSize]byte
	binary.BigEndian.PutUint32(suffix[:], n)
	return append(sealed, suffix[:]...)
}

func (c *xsalsa20Poly1305LiteCipher) Open(dst, _, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceTrailerSize {
		return nil, errors.New("rtp: packet too short to hold a nonce counter")
	}

	body := ciphertext[:len(ciphertext)-nonceTrailerSize]
	counter := ciphertext[len(ciphertext)-nonceTrailerSize:]

	var nonce [24]byte
	copy(nonce[:nonceTrailerSize], counter)

	opened, ok := secretbox.Open(dst, body, &nonce, &c.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return opened, nil
}

// aesGCMCipher implements aead_aes256_gcm_rtpsize: a 12-byte GCM nonce
// built from a 4-byte big-endian counter left-padded with zeroes, with
// that same 4-byte counter appended in the clear after the ciphertext+tag
// so the receiver can reconstruct the nonce without out-of-band state.
// https://discord.com/developers/docs/topics/voice-connections#encrypting-and-sending-voice
type aesGCMCipher struct {
	aead    cipher.AEAD
	counter uint32
}

func newAESGCMCipher(secret [32]byte) *aesGCMCipher {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		// secret is always exactly 32 bytes; aes.NewCipher only fails on
		// bad key length.
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return &aesGCMCipher{aead: aead}
}

func (c *aesGCMCipher) Seal(dst, header, payload []byte) []byte {
	n := atomic.AddUint32(&c.counter, 1)

	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[len(nonce)-nonceTrailerSize:], n)

	sealed := c.aead.Seal(dst, nonce, payload, header)

	var suffix [nonceTrailerSize]byte
	binary.BigEndian.PutUint32(suffix[:], n)
	return append(sealed, suffix[:]...)
}

func (c *aesGCMCipher) Open(dst, header, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceTrailerSize {
		return nil, errors.New("rtp: packet too short to hold a nonce counter")
	}

	body := ciphertext[:len(ciphertext)-nonceTrailerSize]
	counter := ciphertext[len(ciphertext)-nonceTrailerSize:]

	nonce := make([]byte, c.aead.NonceSize())
	copy(nonce[len(nonce)-nonceTrailerSize:], counter)

	opened, err := c.aead.Open(dst, nonce, body, header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return opened, nil
}

var (
	_ Cipher = (*xsalsa20Poly1305Cipher)(nil)
	_ Cipher = (*xsalsa20Poly1305SuffixCipher)(nil)
	_ Cipher = (*xsalsa20Poly1305LiteCipher)(nil)
	_ Cipher = (*aesGCMCipher)(nil)
)
