package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/mr-tron/base58"
)

func TestAppendCompactU16(t *testing.T) {
	cases := []struct {
		v    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
	}
	for _, tc := range cases {
		got := appendCompactU16(nil, tc.v)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("compact-u16(%d): got %x, want %x", tc.v, got, tc.want)
		}
	}
}

func TestBuildTransferTxLayout(t *testing.T) {
	_, treasury, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	treasuryPub := treasury.Public().(ed25519.PublicKey)

	alice := base58.Encode(bytes32(0xAA))
	bob := base58.Encode(bytes32(0xBB))
	blockhash := base58.Encode(bytes32(0x01))

	payouts := []Payout{
		{To: alice, Lamports: 90_000_000},
		{To: bob, Lamports: 5_000_000},
		{To: alice, Lamports: 1_000}, // duplicate recipient collapses in the key table
	}

	wire, err := buildTransferTx(treasury, blockhash, payouts)
	if err != nil {
		t.Fatalf("build transfer tx: %v", err)
	}

	if wire[0] != 1 {
		t.Fatalf("expected 1 signature, got %d", wire[0])
	}
	sig, msg := wire[1:65], wire[65:]
	if !ed25519.Verify(treasuryPub, msg, sig) {
		t.Fatal("signature over the message must verify")
	}

	// header: 1 signer, 0 readonly signed, 1 readonly unsigned
	if msg[0] != 1 || msg[1] != 0 || msg[2] != 1 {
		t.Errorf("unexpected header %v", msg[:3])
	}

	// key table: treasury, alice, bob, system program
	numKeys := int(msg[3])
	if numKeys != 4 {
		t.Fatalf("expected 4 account keys, got %d", numKeys)
	}
	keys := msg[4 : 4+numKeys*32]
	if !bytes.Equal(keys[:32], treasuryPub) {
		t.Error("fee payer must be the treasury key")
	}
	program, _ := base58.Decode(systemProgramID)
	if !bytes.Equal(keys[(numKeys-1)*32:], program) {
		t.Error("last key must be the system program")
	}

	rest := msg[4+numKeys*32:]
	if !bytes.Equal(rest[:32], bytes32(0x01)) {
		t.Error("blockhash must follow the key table")
	}
	rest = rest[32:]

	if int(rest[0]) != len(payouts) {
		t.Fatalf("expected %d instructions, got %d", len(payouts), rest[0])
	}
	rest = rest[1:]

	wantLamports := []uint64{90_000_000, 5_000_000, 1_000}
	for i := range payouts {
		programIdx := rest[0]
		if int(programIdx) != numKeys-1 {
			t.Errorf("instruction %d: program index %d", i, programIdx)
		}
		if rest[1] != 2 || rest[2] != 0 {
			t.Errorf("instruction %d: accounts must be [treasury, recipient], got %v", i, rest[1:4])
		}
		data := rest[5 : 5+12]
		if binary.LittleEndian.Uint32(data[0:4]) != transferInstruction {
			t.Errorf("instruction %d: wrong discriminant", i)
		}
		if got := binary.LittleEndian.Uint64(data[4:12]); got != wantLamports[i] {
			t.Errorf("instruction %d: lamports %d, want %d", i, got, wantLamports[i])
		}
		rest = rest[5+12:]
	}
	if len(rest) != 0 {
		t.Errorf("%d trailing bytes after the last instruction", len(rest))
	}
}

func TestBuildTransferTxRejectsBadInput(t *testing.T) {
	_, treasury, _ := ed25519.GenerateKey(nil)
	good := base58.Encode(bytes32(0x02))
	goodHash := base58.Encode(bytes32(0x03))

	if _, err := buildTransferTx(treasury, "not-a-hash", []Payout{{To: good, Lamports: 1}}); err == nil {
		t.Error("malformed blockhash must be rejected")
	}
	if _, err := buildTransferTx(treasury, goodHash, []Payout{{To: "short", Lamports: 1}}); err == nil {
		t.Error("malformed recipient must be rejected")
	}
}
