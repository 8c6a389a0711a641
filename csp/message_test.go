package csp

import (
	"encoding/hex"
	"testing"
)

// TestDecodeMessageWithMetadataBoxSampleVector reproduces the fixed sample
// from the source test suite for message-with-metadata-box decoding.
func TestDecodeMessageWithMetadataBoxSampleVector(t *testing.T) {
	raw, err := hex.DecodeString(
		"304441354d453736304850543945574489aa9a7eaff77d96cb7327680100340000000000" +
			"00000000000000000000000000000000000000000000000000000000439039d79074fa4a0d0961d6" +
			"51af57b94b7245c4c686733aab55b7f2b049fa3a8a5fec982eaa27d37557beaadd802cfc2703d849" +
			"b2d718b0db179e3e3bcdbf3c2be997490a0349f2e4fbaa43712e263aab0c2c4a920182f01f810df0" +
			"63363191b26c2c6404c0e84e73a3e005e327589702878e259642e1cf3b29e36db1c6a258f55ea73c" +
			"842fddafffd76a3057c0c13b6881bccc6522a0edee793f586fcb9ec5b398eb3be0af1a8c6111fe46" +
			"3ed25d916e66bea54955ca3398e27cbae25bfb6c16e26f326ecf8a4ba81aef9312b59f612b9e3355" +
			"de6c14c0434dc195e0a03462fc95d836a7bca74bda61d59be8489a9fdd9e626e7cb7324ac0724b0a" +
			"42168a5bea525eaef17d3bf13bbd8551ab8c85f5892fa6ba9c32e01343c3bc8ed2ad59f54411de08" +
			"9b193dca452b9699dafe34d124dfe521a956cce4adf58902a4c7b8bcf3d4548848dd2f1bee")
	if err != nil {
		t.Fatalf("decode hex fixture: %v", err)
	}
	if len(raw) != 393 {
		t.Fatalf("fixture length = %d, want 393", len(raw))
	}

	decoded, err := DecodeMessageWithMetadataBox(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if string(decoded.SenderIdentity[:]) != "0DA5ME76" {
		t.Fatalf("sender identity = %q, want 0DA5ME76", decoded.SenderIdentity)
	}
	if string(decoded.ReceiverIdentity[:]) != "0HPT9EWD" {
		t.Fatalf("receiver identity = %q, want 0HPT9EWD", decoded.ReceiverIdentity)
	}
	if hex.EncodeToString(decoded.ID[:]) != "89aa9a7eaff77d96" {
		t.Fatalf("id = %x, want 89aa9a7eaff77d96", decoded.ID)
	}
	if decoded.LegacyCreatedAt != 1747416011 {
		t.Fatalf("legacy_created_at = %d, want 1747416011", decoded.LegacyCreatedAt)
	}
	if decoded.Flags != SendPushNotification {
		t.Fatalf("flags = %d, want SendPushNotification", decoded.Flags)
	}
	if decoded.LegacySenderNickname != nil {
		t.Fatalf("legacy sender nickname = %v, want nil", *decoded.LegacySenderNickname)
	}
	if decoded.Metadata == nil {
		t.Fatalf("expected a metadata box")
	}
	if decoded.Metadata.Data != [2]int{64, 100} {
		t.Fatalf("metadata range = %v, want [64 100]", decoded.Metadata.Data)
	}
	if hex.EncodeToString(decoded.Nonce[:]) != "b2d718b0db179e3e3bcdbf3c2be997490a0349f2e4fbaa43" {
		t.Fatalf("nonce = %x, want b2d718b0db179e3e3bcdbf3c2be997490a0349f2e4fbaa43", decoded.Nonce)
	}
	if decoded.MessageContainer.Data != [2]int{140, 377} {
		t.Fatalf("message container range = %v, want [140 377]", decoded.MessageContainer.Data)
	}
}
