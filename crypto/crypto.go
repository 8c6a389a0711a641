// Package crypto is a typed façade over the primitives the protocol
// core needs: X25519 key agreement (plus its HSalsa20 intermediate
// hash, as used by NaCl-box-compatible key derivation), ChaCha20-
// Poly1305 and XSalsa20-Poly1305 AEAD, keyed/personalized BLAKE2b-256,
// and Argon2id. Key generation, X25519, ChaCha20-Poly1305 construction,
// XSalsa20-Poly1305 opening and the BLAKE2b derivation return an error;
// HSalsa20, SealXSalsa20Poly1305 and DeriveArgon2id return their result
// without one.
package crypto

import (
	"crypto/rand"
	"fmt"

	blake2bsimd "github.com/minio/blake2b-simd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/salsa20/salsa"
)

// KeySize is the size in bytes of every secret key handled by this façade.
const KeySize = 32

// Key is a 32-byte secret or public key.
type Key = [KeySize]byte

// NonceSizeChaCha20Poly1305 is the AEAD nonce size for rendezvous traffic.
const NonceSizeChaCha20Poly1305 = chacha20poly1305.NonceSize

// NonceSizeXSalsa20Poly1305 is the AEAD nonce size for CSP post-handshake traffic.
const NonceSizeXSalsa20Poly1305 = 24

// TagSizeXSalsa20Poly1305 is the authentication tag length appended by secretbox.
const TagSizeXSalsa20Poly1305 = secretbox.Overhead

// GenerateX25519Keypair creates a fresh ephemeral Curve25519 keypair.
func GenerateX25519Keypair() (priv, pub Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, Key{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// X25519 computes the shared Diffie-Hellman secret for priv and peerPub.
func X25519(priv, peerPub Key) (shared Key, err error) {
	sharedSlice, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return Key{}, fmt.Errorf("x25519 scalar multiplication: %w", err)
	}
	copy(shared[:], sharedSlice)
	return shared, nil
}

// HSalsa20 applies the HSalsa20 core function to a raw X25519 shared secret
// with a zero nonce, yielding a uniformly random key compatible with
// classic NaCl shared-secret derivation (as used by CSP's box-style keys).
func HSalsa20(sharedSecret Key) Key {
	var out [32]byte
	var zeroNonce [16]byte
	var constant [16]byte
	copy(constant[:], "expand 32-byte k")
	salsa.HSalsa20(&out, &zeroNonce, &sharedSecret, &constant)
	return out
}

// NewChaCha20Poly1305 constructs an AEAD cipher for rendezvous traffic.
func NewChaCha20Poly1305(key Key) (AEAD, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct chacha20poly1305: %w", err)
	}
	return aead, nil
}

// AEAD is the minimal interface this package relies on from
// golang.org/x/crypto/chacha20poly1305's returned cipher.
type AEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// SealXSalsa20Poly1305 encrypts plaintext under key with the given 24-byte
// nonce, appending the Poly1305 tag (as used by the CSP post-handshake
// frame pump and message-with-metadata-box encryption).
func SealXSalsa20Poly1305(key Key, nonce [NonceSizeXSalsa20Poly1305]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, &key)
}

// OpenXSalsa20Poly1305 decrypts and authenticates ciphertext under key with
// the given 24-byte nonce.
func OpenXSalsa20Poly1305(key Key, nonce [NonceSizeXSalsa20Poly1305]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("xsalsa20poly1305 authentication failed")
	}
	return plaintext, nil
}

// blake2bParamFieldSize is the width of BLAKE2b's salt and personalization
// IV fields; shorter inputs are zero-padded, as the reference construction
// expects (e.g. Blake2bMac256::new_with_salt_and_personal's b"3ma-rendezvous").
const blake2bParamFieldSize = 16

// Blake2bMAC256 computes a keyed, domain-separated BLAKE2b-256 digest.
//
// key is the keyed-MAC key (nil for an unkeyed hash, used by the RPH
// derivation); person and info are carried in BLAKE2b's actual
// personalization and salt IV fields rather than folded into the hashed
// preimage, matching the reference Blake2bMac256::new_with_salt_and_personal
// construction bit-for-bit.
func Blake2bMAC256(key []byte, person string, info string, data ...[]byte) ([32]byte, error) {
	var out [32]byte
	h, err := blake2bsimd.New(&blake2bsimd.Config{
		Size:   32,
		Key:    key,
		Salt:   fixedParameterBlockField(info),
		Person: fixedParameterBlockField(person),
	})
	if err != nil {
		return out, fmt.Errorf("construct blake2b-256: %w", err)
	}
	for _, d := range data {
		h.Write(d)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// fixedParameterBlockField zero-pads or truncates s to the BLAKE2b
// salt/personalization field width.
func fixedParameterBlockField(s string) []byte {
	field := make([]byte, blake2bParamFieldSize)
	copy(field, s)
	return field
}

// Argon2idParams configures the password-based key derivation used by the
// identity-backup collaborator (out of scope for I/O, but the KDF itself
// lives in this façade so the collaborator has something real to call).
type Argon2idParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// DefaultArgon2idParams returns conservative interactive-login parameters.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: KeySize}
}

// DeriveArgon2id derives a key from password and salt using Argon2id.
func DeriveArgon2id(password, salt []byte, params Argon2idParams) []byte {
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLen)
}
