// Package rendezvous implements the Connection Rendezvous Path Protocol:
// multi-path candidate negotiation between an initiator device (RID) and
// a responder device (RRD), authenticated by a pre-shared key, electing a
// single nominated path and rekeying to transport keys for encrypted
// upper-layer-payload (ULP) traffic.
package rendezvous

import (
	"fmt"

	"github.com/threema-ch/libthreema-go/crypto"
)

// personalization is the BLAKE2b personalization string shared by every
// rendezvous key derivation.
const personalization = "3ma-rendezvous"

// AuthenticationKey (AK) is the 32-byte secret shared between RID and RRD
// out-of-band. It is never transmitted.
type AuthenticationKey = crypto.Key

// EphemeralTransportKey (ETK) is the X25519 shared secret of the two
// ephemeral keypairs generated fresh by each side during rendezvous
// authentication; the public halves are exchanged encrypted under
// RIDAK/RRDAK, so both sides agree on the same ETK without transmitting it.
type EphemeralTransportKey = crypto.Key

// PathHash (RPH) identifies the nominated path to the upper layer.
type PathHash = crypto.Key

// directionKeys holds one side's view of the two keyed-MAC keys derived
// from an AK at a given phase.
type directionKeys struct {
	ridKey crypto.Key
	rrdKey crypto.Key
}

// deriveAuthenticationKeys derives RIDAK and RRDAK from AK.
//
// RIDAK, RRDAK = BLAKE2b-MAC-256(salt=AK, person="3ma-rendezvous", info in {"rida","rrda"})
func deriveAuthenticationKeys(ak AuthenticationKey) (directionKeys, error) {
	ridak, err := crypto.Blake2bMAC256(ak[:], personalization, "rida")
	if err != nil {
		return directionKeys{}, fmt.Errorf("derive ridak: %w", err)
	}
	rrdak, err := crypto.Blake2bMAC256(ak[:], personalization, "rrda")
	if err != nil {
		return directionKeys{}, fmt.Errorf("derive rrdak: %w", err)
	}
	return directionKeys{ridKey: ridak, rrdKey: rrdak}, nil
}

// deriveSharedTransportKey derives STK from AK and ETK.
//
// STK = BLAKE2b-MAC-256(salt=AK||ETK, person="3ma-rendezvous", info="st")
func deriveSharedTransportKey(ak AuthenticationKey, etk EphemeralTransportKey) (crypto.Key, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ak[:]...)
	salt = append(salt, etk[:]...)
	stk, err := crypto.Blake2bMAC256(salt, personalization, "st")
	if err != nil {
		return crypto.Key{}, fmt.Errorf("derive stk: %w", err)
	}
	return stk, nil
}

// deriveTransportKeys derives RIDTK, RRDTK and RPH from AK and ETK.
//
// RIDTK, RRDTK = BLAKE2b-MAC-256(salt=STK, person="3ma-rendezvous", info in {"ridt","rrdt"})
// RPH = BLAKE2b-MAC-256(person="3ma-rendezvous", info="ph", data=STK)
func deriveTransportKeys(ak AuthenticationKey, etk EphemeralTransportKey) (directionKeys, PathHash, error) {
	stk, err := deriveSharedTransportKey(ak, etk)
	if err != nil {
		return directionKeys{}, PathHash{}, err
	}

	ridtk, err := crypto.Blake2bMAC256(stk[:], personalization, "ridt")
	if err != nil {
		return directionKeys{}, PathHash{}, fmt.Errorf("derive ridtk: %w", err)
	}
	rrdtk, err := crypto.Blake2bMAC256(stk[:], personalization, "rrdt")
	if err != nil {
		return directionKeys{}, PathHash{}, fmt.Errorf("derive rrdtk: %w", err)
	}
	// RPH hashes STK as message data under an unkeyed (no-salt) MAC, unlike
	// the other four derivations which use the secret as the keyed-hash
	// salt — see SPEC_FULL.md's "Supplemented Features".
	rph, err := crypto.Blake2bMAC256(nil, personalization, "ph", stk[:])
	if err != nil {
		return directionKeys{}, PathHash{}, fmt.Errorf("derive rph: %w", err)
	}

	return directionKeys{ridKey: ridtk, rrdKey: rrdtk}, rph, nil
}
