package security

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"boardsync/pkg/types"
)

// Algorithm is recorded in SecurityMetadata.Algorithm.
const Algorithm = "age-x25519+xchacha20poly1305+blake3"

const (
	contentKeySize = 32
	blobVersion    = byte(0x01)
	blobOverhead   = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfoPayload = []byte("boardsync.payload.v1")

// EncryptResult is the shared metadata plus the recipients that could not
// receive a wrapped key.
type EncryptResult struct {
	Metadata *types.SecurityMetadata
	Failed   []*types.EncryptionError
}

// sealPayload encrypts plaintext under a fresh content key. The blob layout
// is [version][24-byte nonce][ciphertext+tag]; version and message id are
// authenticated as associated data.
func sealPayload(messageID string, plaintext []byte) (contentKey, blob []byte, err error) {
	contentKey = make([]byte, contentKeySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, nil, fmt.Errorf("generating content key: %w", err)
	}
	payloadKey, err := derivePayloadKey(contentKey)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(payloadKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("generating random nonce: %w", err)
	}

	blob = make([]byte, 1+len(nonce), blobOverhead+len(plaintext))
	blob[0] = blobVersion
	copy(blob[1:], nonce[:])
	blob = aead.Seal(blob, nonce[:], plaintext, buildAAD(blobVersion, messageID))
	return contentKey, blob, nil
}

func openPayload(messageID string, contentKey, blob []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("ciphertext is %d bytes, minimum is %d", len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("ciphertext version %d is not supported", blob[0])
	}
	payloadKey, err := derivePayloadKey(contentKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(payloadKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], buildAAD(blob[0], messageID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func derivePayloadKey(contentKey []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, contentKey, nil, hkdfInfoPayload)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

func buildAAD(version byte, messageID string) []byte {
	aad := make([]byte, 0, 1+len(messageID))
	aad = append(aad, version)
	return append(aad, messageID...)
}

// wrapKey encrypts the content key to one age recipient.
func wrapKey(contentKey []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(contentKey); err != nil {
		return nil, fmt.Errorf("writing content key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func unwrapKey(wrapped []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content key: %w", err)
	}
	if len(key) != contentKeySize {
		return nil, fmt.Errorf("%w: content key is %d bytes", ErrDecryptFailed, len(key))
	}
	return key, nil
}

// digest is the hex BLAKE3-256 of plaintext.
func digest(plaintext []byte) string {
	sum := blake3.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}
