package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// saltSize is the per-connection random salt each side contributes.
const saltSize = 16

// ErrBadAuthentication is returned when a sealed frame fails to open,
// which on the first frame means the peer holds a different secret.
var ErrBadAuthentication = errors.New("frame authentication failed")

// direction labels for the HKDF info parameter; each direction gets an
// independent key so counters never collide.
const (
	infoClientToServer = "maco tunnel c2s"
	infoServerToClient = "maco tunnel s2c"
)

// Tunnel seals and opens frames on one connection. Both directions use
// ChaCha20-Poly1305 with a monotonically increasing counter nonce; the
// per-connection salts make every connection's keys unique, so a
// counter can never repeat under the same key.
type Tunnel struct {
	framer *Framer

	sendMu      sync.Mutex
	send        cipher.AEAD
	sendCounter uint64

	recv        cipher.AEAD
	recvCounter uint64
}

// NewClientTunnel runs the client half of the salt exchange on rw and
// derives the tunnel keys from the pre-shared secret.
func NewClientTunnel(rw io.ReadWriter, secret []byte, maxSize uint32) (*Tunnel, error) {
	framer := NewFramer(rw, maxSize)

	clientSalt := make([]byte, saltSize)
	if _, err := rand.Read(clientSalt); err != nil {
		return nil, err
	}
	if err := framer.WriteFrame(clientSalt); err != nil {
		return nil, fmt.Errorf("send salt: %w", err)
	}
	serverSalt, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("receive salt: %w", err)
	}
	if len(serverSalt) != saltSize {
		return nil, fmt.Errorf("peer salt must be %d bytes, got %d", saltSize, len(serverSalt))
	}

	return newTunnel(framer, secret, clientSalt, serverSalt, true)
}

// NewServerTunnel runs the server half of the salt exchange on rw and
// derives the tunnel keys from the pre-shared secret.
func NewServerTunnel(rw io.ReadWriter, secret []byte, maxSize uint32) (*Tunnel, error) {
	framer := NewFramer(rw, maxSize)

	clientSalt, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("receive salt: %w", err)
	}
	if len(clientSalt) != saltSize {
		return nil, fmt.Errorf("peer salt must be %d bytes, got %d", saltSize, len(clientSalt))
	}
	serverSalt := make([]byte, saltSize)
	if _, err := rand.Read(serverSalt); err != nil {
		return nil, err
	}
	if err := framer.WriteFrame(serverSalt); err != nil {
		return nil, fmt.Errorf("send salt: %w", err)
	}

	return newTunnel(framer, secret, clientSalt, serverSalt, false)
}

func newTunnel(framer *Framer, secret, clientSalt, serverSalt []byte, isClient bool) (*Tunnel, error) {
	c2s, err := deriveAEAD(secret, clientSalt, serverSalt, infoClientToServer)
	if err != nil {
		return nil, err
	}
	s2c, err := deriveAEAD(secret, clientSalt, serverSalt, infoServerToClient)
	if err != nil {
		return nil, err
	}

	t := &Tunnel{framer: framer}
	if isClient {
		t.send, t.recv = c2s, s2c
	} else {
		t.send, t.recv = s2c, c2s
	}
	return t, nil
}

func deriveAEAD(secret, clientSalt, serverSalt []byte, info string) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*saltSize)
	salt = append(salt, clientSalt...)
	salt = append(salt, serverSalt...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive tunnel key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// WriteMessage seals and sends one message.
// Thread-safe: can be called from multiple goroutines.
func (t *Tunnel) WriteMessage(plaintext []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], t.sendCounter)
	t.sendCounter++

	return t.framer.WriteFrame(t.send.Seal(nil, nonce[:], plaintext, nil))
}

// ReadMessage receives and opens one message. Not safe for concurrent
// readers; a connection has a single read loop.
func (t *Tunnel) ReadMessage() ([]byte, error) {
	frame, err := t.framer.ReadFrame()
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], t.recvCounter)
	t.recvCounter++

	plaintext, err := t.recv.Open(nil, nonce[:], frame, nil)
	if err != nil {
		return nil, ErrBadAuthentication
	}
	return plaintext, nil
}
