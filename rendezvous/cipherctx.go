package rendezvous

import (
	"encoding/binary"
	"fmt"

	"github.com/threema-ch/libthreema-go/crypto"
	"github.com/threema-ch/libthreema-go/protoerr"
	"github.com/threema-ch/libthreema-go/seqnum"
)

// prepareNonce builds the 12-byte rendezvous AEAD nonce:
// u32-le(path-id) || u32-le(sequence-number) || 4 zero bytes.
func prepareNonce(pathID uint32, sequenceNumber uint32) [12]byte {
	var nonce [12]byte
	binary.LittleEndian.PutUint32(nonce[0:4], pathID)
	binary.LittleEndian.PutUint32(nonce[4:8], sequenceNumber)
	return nonce
}

// cipherBase is the per-direction state shared by encryptContext and
// decryptContext: the path-id, the monotonic sequence-number counter, and
// the AEAD cipher.
type cipherBase struct {
	pathID uint32
	seq    seqnum.U32
	aead   crypto.AEAD
}

func newCipherBase(pathID uint32, startSeq uint32, key crypto.Key) (cipherBase, error) {
	aead, err := crypto.NewChaCha20Poly1305(key)
	if err != nil {
		return cipherBase{}, fmt.Errorf("construct cipher: %w", err)
	}
	return cipherBase{pathID: pathID, seq: seqnum.NewU32(startSeq), aead: aead}, nil
}

// encryptContext is a per-direction AEAD encryption context for one path.
type encryptContext struct {
	base cipherBase
}

func newEncryptContext(pathID uint32, startSeq uint32, key crypto.Key) (encryptContext, error) {
	base, err := newCipherBase(pathID, startSeq, key)
	if err != nil {
		return encryptContext{}, err
	}
	return encryptContext{base: base}, nil
}

// rekeyEncryptContext derives a fresh encryptContext for the same path-id,
// carrying over the current sequence-number counter rather than resetting
// it: the pre-auth context is discarded the moment the post-auth context
// is derived (invariant I5), but the counter continues from where it left
// off, matching the reference rxdtk.rs `Encrypt::new_from`.
func rekeyEncryptContext(current encryptContext, key crypto.Key) (encryptContext, error) {
	return newEncryptContext(current.base.pathID, current.base.seq.Peek(), key)
}

// Encrypt seals plaintext into a newly allocated ciphertext and advances
// the sequence number.
func (e *encryptContext) Encrypt(plaintext []byte) ([]byte, error) {
	sn, err := e.base.seq.GetAndIncrement()
	if err != nil {
		return nil, err
	}
	nonce := prepareNonce(e.base.pathID, sn)
	ciphertext := e.base.aead.Seal(nil, nonce[:], plaintext, nil)
	if ciphertext == nil {
		return nil, &protoerr.EncryptionFailed{Name: "rendezvous-path"}
	}
	return ciphertext, nil
}

// decryptContext is a per-direction AEAD decryption context for one path.
type decryptContext struct {
	base cipherBase
}

func newDecryptContext(pathID uint32, startSeq uint32, key crypto.Key) (decryptContext, error) {
	base, err := newCipherBase(pathID, startSeq, key)
	if err != nil {
		return decryptContext{}, err
	}
	return decryptContext{base: base}, nil
}

// rekeyDecryptContext mirrors rekeyEncryptContext for the receive side.
func rekeyDecryptContext(current decryptContext, key crypto.Key) (decryptContext, error) {
	return newDecryptContext(current.base.pathID, current.base.seq.Peek(), key)
}

// Decrypt opens ciphertext using the nonce for the expected sequence
// number and advances the counter. Per invariant I4, decryption only ever
// uses the locally expected counter value — there is no out-of-order
// acceptance window.
func (d *decryptContext) Decrypt(ciphertext []byte) ([]byte, error) {
	sn, err := d.base.seq.GetAndIncrement()
	if err != nil {
		return nil, err
	}
	nonce := prepareNonce(d.base.pathID, sn)
	plaintext, err := d.base.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, &protoerr.DecryptionFailed{Name: "rendezvous-path"}
	}
	return plaintext, nil
}

// preAuthContexts holds the pre-authentication (RIDAK/RRDAK-keyed) cipher
// contexts for one path, from the point of view of one role.
type preAuthContexts struct {
	encrypt encryptContext
	decrypt decryptContext
}

// newPreAuthContextsForRID builds RID's view: encrypt with RIDAK, decrypt with RRDAK.
func newPreAuthContextsForRID(ak AuthenticationKey, pathID uint32) (preAuthContexts, error) {
	keys, err := deriveAuthenticationKeys(ak)
	if err != nil {
		return preAuthContexts{}, err
	}
	enc, err := newEncryptContext(pathID, 1, keys.ridKey)
	if err != nil {
		return preAuthContexts{}, err
	}
	dec, err := newDecryptContext(pathID, 1, keys.rrdKey)
	if err != nil {
		return preAuthContexts{}, err
	}
	return preAuthContexts{encrypt: enc, decrypt: dec}, nil
}

// newPreAuthContextsForRRD builds RRD's view: encrypt with RRDAK, decrypt with RIDAK.
func newPreAuthContextsForRRD(ak AuthenticationKey, pathID uint32) (preAuthContexts, error) {
	keys, err := deriveAuthenticationKeys(ak)
	if err != nil {
		return preAuthContexts{}, err
	}
	enc, err := newEncryptContext(pathID, 1, keys.rrdKey)
	if err != nil {
		return preAuthContexts{}, err
	}
	dec, err := newDecryptContext(pathID, 1, keys.ridKey)
	if err != nil {
		return preAuthContexts{}, err
	}
	return preAuthContexts{encrypt: enc, decrypt: dec}, nil
}

// postAuthContexts holds the post-authentication (RIDTK/RRDTK-keyed)
// cipher contexts for one path, from the point of view of one role.
type postAuthContexts struct {
	encrypt encryptContext
	decrypt decryptContext
}

// rekeyForRID derives RID's post-auth contexts from its pre-auth contexts
// plus AK and the ETK exchanged during authentication.
func rekeyForRID(ak AuthenticationKey, pre preAuthContexts, etk EphemeralTransportKey) (postAuthContexts, PathHash, error) {
	keys, rph, err := deriveTransportKeys(ak, etk)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	enc, err := rekeyEncryptContext(pre.encrypt, keys.ridKey)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	dec, err := rekeyDecryptContext(pre.decrypt, keys.rrdKey)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	return postAuthContexts{encrypt: enc, decrypt: dec}, rph, nil
}

// rekeyForRRD derives RRD's post-auth contexts from its pre-auth contexts
// plus AK and the ETK exchanged during authentication.
func rekeyForRRD(ak AuthenticationKey, pre preAuthContexts, etk EphemeralTransportKey) (postAuthContexts, PathHash, error) {
	keys, rph, err := deriveTransportKeys(ak, etk)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	enc, err := rekeyEncryptContext(pre.encrypt, keys.rrdKey)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	dec, err := rekeyDecryptContext(pre.decrypt, keys.ridKey)
	if err != nil {
		return postAuthContexts{}, PathHash{}, err
	}
	return postAuthContexts{encrypt: enc, decrypt: dec}, rph, nil
}
