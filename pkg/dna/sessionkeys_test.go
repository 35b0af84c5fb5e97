package dna

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	authKey := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	rndA := mustHex(t, "0102030405060708090a0b0c0d0e0f10")
	rndB := mustHex(t, "f0e0d0c0b0a090807060504030201000")

	first, err := DeriveSessionKeys(authKey, rndA, rndB)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	second, err := DeriveSessionKeys(authKey, rndA, rndB)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first.EncKey, second.EncKey) || !bytes.Equal(first.MacKey, second.MacKey) {
		t.Error("derivation is not deterministic")
	}
	if len(first.EncKey) != KeySize || len(first.MacKey) != KeySize {
		t.Errorf("key sizes %d/%d, want 16/16", len(first.EncKey), len(first.MacKey))
	}
	if bytes.Equal(first.EncKey, first.MacKey) {
		t.Error("enc and mac keys are identical")
	}
	if bytes.Equal(first.EncKey, authKey) || bytes.Equal(first.MacKey, authKey) {
		t.Error("derived key equals the auth key")
	}
}

func TestDeriveSessionKeysNonceSensitivity(t *testing.T) {
	authKey := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	rndA := mustHex(t, "0102030405060708090a0b0c0d0e0f10")
	rndB := mustHex(t, "f0e0d0c0b0a090807060504030201000")

	base, err := DeriveSessionKeys(authKey, rndA, rndB)
	if err != nil {
		t.Fatal(err)
	}

	otherA := append([]byte(nil), rndA...)
	otherA[15] ^= 0xFF
	changed, err := DeriveSessionKeys(authKey, otherA, rndB)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(base.EncKey, changed.EncKey) {
		t.Error("changing RndA did not change the encryption key")
	}
	if bytes.Equal(base.MacKey, changed.MacKey) {
		t.Error("changing RndA did not change the MAC key")
	}
}

func TestDeriveSessionKeysValidation(t *testing.T) {
	ok := make([]byte, 16)
	if _, err := DeriveSessionKeys(make([]byte, 8), ok, ok); err != ErrKeySize {
		t.Errorf("short key: got %v, want ErrKeySize", err)
	}
	if _, err := DeriveSessionKeys(ok, make([]byte, 15), ok); err != ErrNonceSize {
		t.Errorf("short rndA: got %v, want ErrNonceSize", err)
	}
	if _, err := DeriveSessionKeys(ok, ok, make([]byte, 17)); err != ErrNonceSize {
		t.Errorf("long rndB: got %v, want ErrNonceSize", err)
	}
}

func TestRotateLeft1(t *testing.T) {
	in := mustHex(t, "0102030405060708090a0b0c0d0e0f10")
	rotated := RotateLeft1(in)
	want := mustHex(t, "02030405060708090a0b0c0d0e0f1001")
	if !bytes.Equal(rotated, want) {
		t.Errorf("got %x, want %x", rotated, want)
	}

	if !VerifyRotated(in, rotated) {
		t.Error("VerifyRotated rejected a correct rotation")
	}

	rotated[3] ^= 0x01
	if VerifyRotated(in, rotated) {
		t.Error("VerifyRotated accepted a corrupted rotation")
	}
	rotated[3] ^= 0x01
	rotated[15] ^= 0x01
	if VerifyRotated(in, rotated) {
		t.Error("VerifyRotated accepted a corrupted wrap byte")
	}
	if VerifyRotated(in[:8], rotated[:8]) {
		t.Error("VerifyRotated accepted short inputs")
	}
}

func TestSessionKeysZero(t *testing.T) {
	keys := SessionKeys{
		EncKey: mustHex(t, "0102030405060708090a0b0c0d0e0f10"),
		MacKey: mustHex(t, "102132435465768798a9bacbdcedfe0f"),
	}
	keys.Zero()
	for _, b := range append(keys.EncKey, keys.MacKey...) {
		if b != 0 {
			t.Fatal("key material not zeroed")
		}
	}
}
