package rendezvous

import (
	"testing"

	"github.com/threema-ch/libthreema-go/crypto"
)

func TestDeriveTransportKeysAgreesBothRoles(t *testing.T) {
	var ak AuthenticationKey
	var etk EphemeralTransportKey
	for i := range ak {
		ak[i] = byte(i)
	}
	for i := range etk {
		etk[i] = byte(255 - i)
	}

	ridKeys, ridRPH, err := deriveTransportKeys(ak, etk)
	if err != nil {
		t.Fatalf("derive transport keys: %v", err)
	}
	rrdKeys, rrdRPH, err := deriveTransportKeys(ak, etk)
	if err != nil {
		t.Fatalf("derive transport keys: %v", err)
	}

	if ridKeys.ridKey != rrdKeys.ridKey || ridKeys.rrdKey != rrdKeys.rrdKey {
		t.Fatalf("both roles must derive identical RIDTK/RRDTK for the same AK/ETK")
	}
	if ridRPH != rrdRPH {
		t.Fatalf("both roles must derive identical RPH for the same AK/ETK")
	}
}

func TestRPHDeterministic(t *testing.T) {
	var ak AuthenticationKey
	var etk EphemeralTransportKey
	for i := range etk {
		etk[i] = 1
	}

	_, rph, err := deriveTransportKeys(ak, etk)
	if err != nil {
		t.Fatalf("derive transport keys: %v", err)
	}

	stk, err := deriveSharedTransportKey(ak, etk)
	if err != nil {
		t.Fatalf("derive stk: %v", err)
	}
	want, err := crypto.Blake2bMAC256(nil, personalization, "ph", stk[:])
	if err != nil {
		t.Fatalf("derive want rph: %v", err)
	}
	if rph != want {
		t.Fatalf("rph = %x, want %x", rph, want)
	}
}
