package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"io"
	"sync"
	"time"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"golang.org/x/crypto/cryptobyte"
)

// maxSessionTicketLifetime bounds ticket_lifetime. RFC 8446, Section 4.6.1:
// servers MUST NOT use a value greater than 7 days.
const maxSessionTicketLifetime = 7 * 24 * time.Hour

// A SessionState is a resumable session: the PSK extracted from the
// resumption master secret plus the metadata needed to offer and police it.
// It round-trips through Bytes and ParseSessionState, so callers can persist
// sessions across processes.
type SessionState struct {
	version     uint16
	cipherSuite uint16
	createdAt   uint64 // uint64 unix epoch, seconds
	secret      []byte // the PSK, already expanded from the ticket nonce

	alpnProtocol string
	maxEarlyData uint32

	// Client-side only.
	ticket []byte
	ageAdd uint32
	useBy  uint64 // uint64 unix epoch, seconds
}

// Bytes encodes the session into an opaque blob.
func (s *SessionState) Bytes() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(s.version)
	b.AddUint16(s.cipherSuite)
	addUint64(&b, s.createdAt)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.secret)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s.alpnProtocol))
	})
	b.AddUint32(s.maxEarlyData)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.ticket)
	})
	b.AddUint32(s.ageAdd)
	addUint64(&b, s.useBy)
	return b.Bytes()
}

// ParseSessionState decodes a blob produced by SessionState.Bytes.
func ParseSessionState(data []byte) (*SessionState, error) {
	ss := &SessionState{}
	s := cryptobyte.String(data)
	var alpn []byte
	if !s.ReadUint16(&ss.version) ||
		!s.ReadUint16(&ss.cipherSuite) ||
		!readUint64(&s, &ss.createdAt) ||
		!readUint8LengthPrefixed(&s, &ss.secret) ||
		len(ss.secret) == 0 ||
		!readUint8LengthPrefixed(&s, &alpn) ||
		!s.ReadUint32(&ss.maxEarlyData) ||
		!readUint16LengthPrefixed(&s, &ss.ticket) ||
		!s.ReadUint32(&ss.ageAdd) ||
		!readUint64(&s, &ss.useBy) ||
		!s.Empty() {
		return nil, tlserrors.New("tls: invalid session encoding").AtError()
	}
	if ss.version != VersionTLS13 {
		return nil, tlserrors.New("tls: unsupported session version ", ss.version).AtError()
	}
	ss.alpnProtocol = string(alpn)
	return ss, nil
}

// A ticketKey seals session state into tickets with AES-128-CTR and
// authenticates them with HMAC-SHA256.
type ticketKey struct {
	aesKey  [16]byte
	hmacKey [32]byte
}

// ticketKeyFromBytes converts a 32-byte secret into a ticketKey, by hashing
// the secret so a short or structured input still yields full-strength keys.
func ticketKeyFromBytes(b [32]byte) (key ticketKey) {
	hashed := sha512.Sum512(b[:])
	copy(key.aesKey[:], hashed[:16])
	copy(key.hmacKey[:], hashed[16:48])
	return key
}

// SetSessionTicketKeys updates the session ticket keys. The first key is used
// for new tickets; all keys are tried for decryption, so older tickets stay
// valid across a rotation.
func (c *Config) SetSessionTicketKeys(keys [][32]byte) {
	if len(keys) == 0 {
		return
	}
	newKeys := make([]ticketKey, len(keys))
	for i, bytes := range keys {
		newKeys[i] = ticketKeyFromBytes(bytes)
	}

	c.mutex.Lock()
	c.sessionTicketKeys = newKeys
	c.mutex.Unlock()
}

// ticketKeys returns the current ticket keys, generating a random one on
// first use.
func (c *Config) ticketKeys() ([]ticketKey, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.sessionTicketKeys) == 0 {
		var b [32]byte
		if _, err := io.ReadFull(c.rand(), b[:]); err != nil {
			return nil, err
		}
		c.sessionTicketKeys = []ticketKey{ticketKeyFromBytes(b)}
	}
	return c.sessionTicketKeys, nil
}

const (
	ticketIVSize  = aes.BlockSize
	ticketMACSize = sha256.Size
)

// encryptTicket seals state into an opaque ticket: iv || ctr(state) || hmac.
func (c *Config) encryptTicket(state []byte) ([]byte, error) {
	keys, err := c.ticketKeys()
	if err != nil {
		return nil, err
	}
	key := keys[0]

	encrypted := make([]byte, ticketIVSize+len(state)+ticketMACSize)
	iv := encrypted[:ticketIVSize]
	ciphertext := encrypted[ticketIVSize : len(encrypted)-ticketMACSize]
	authenticated := encrypted[:len(encrypted)-ticketMACSize]
	macBytes := encrypted[len(encrypted)-ticketMACSize:]

	if _, err := io.ReadFull(c.rand(), iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key.aesKey[:])
	if err != nil {
		return nil, tlserrors.New("tls: failed to create cipher while encrypting ticket").Base(err).AtError()
	}
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, state)

	mac := hmac.New(sha256.New, key.hmacKey[:])
	mac.Write(authenticated)
	mac.Sum(macBytes[:0])

	return encrypted, nil
}

// decryptTicket opens a ticket, trying each configured key. A ticket that
// fails authentication yields nil rather than an error: forged and
// rotated-out tickets both just fall back to a full handshake.
func (c *Config) decryptTicket(encrypted []byte) []byte {
	if len(encrypted) < ticketIVSize+ticketMACSize {
		return nil
	}
	keys, err := c.ticketKeys()
	if err != nil {
		return nil
	}

	iv := encrypted[:ticketIVSize]
	ciphertext := encrypted[ticketIVSize : len(encrypted)-ticketMACSize]
	authenticated := encrypted[:len(encrypted)-ticketMACSize]
	macBytes := encrypted[len(encrypted)-ticketMACSize:]

	for _, key := range keys {
		mac := hmac.New(sha256.New, key.hmacKey[:])
		mac.Write(authenticated)
		expected := mac.Sum(nil)

		if subtle.ConstantTimeCompare(macBytes, expected) != 1 {
			continue
		}

		block, err := aes.NewCipher(key.aesKey[:])
		if err != nil {
			return nil
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
		return plaintext
	}

	return nil
}

// A strikeRegister remembers recently seen 0-RTT offers so a replayed
// ClientHello cannot get its early data accepted twice. Entries are keyed by
// (ticket, obfuscated_ticket_age) and expire after the replay window.
type strikeRegister struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

const defaultReplayWindow = 10 * time.Second

func newStrikeRegister() *strikeRegister {
	return &strikeRegister{
		window: defaultReplayWindow,
		seen:   make(map[string]time.Time),
	}
}

// firstUse records the offer and reports whether it was seen for the first
// time inside the window.
func (r *strikeRegister) firstUse(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.seen {
		if now.Sub(t) > r.window {
			delete(r.seen, k)
		}
	}
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = now
	return true
}
