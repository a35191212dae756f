package main

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// systemProgramID is the native system program (all-zero public key)
const systemProgramID = "11111111111111111111111111111111"

// transferInstruction is the system program's transfer discriminant
const transferInstruction = 2

// buildTransferTx serializes a signed legacy transaction containing one
// system transfer per payout, all funded by the treasury key.
func buildTransferTx(treasury ed25519.PrivateKey, recentBlockhash string, payouts []Payout) ([]byte, error) {
	treasuryPub := treasury.Public().(ed25519.PublicKey)

	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil || len(blockhash) != 32 {
		return nil, fmt.Errorf("bad blockhash %q", recentBlockhash)
	}

	// Account table: treasury (writable signer), recipients (writable),
	// system program (readonly). Duplicate recipients collapse to one entry.
	keys := [][]byte{treasuryPub}
	index := map[string]int{base58.Encode(treasuryPub): 0}
	for _, p := range payouts {
		if _, ok := index[p.To]; ok {
			continue
		}
		raw, err := base58.Decode(p.To)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("bad recipient address %q", p.To)
		}
		index[p.To] = len(keys)
		keys = append(keys, raw)
	}
	programIndex := len(keys)
	program, _ := base58.Decode(systemProgramID)
	keys = append(keys, program)

	var msg []byte
	// header: 1 required signature, 0 readonly signed, 1 readonly unsigned
	msg = append(msg, 1, 0, 1)
	msg = appendCompactU16(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k...)
	}
	msg = append(msg, blockhash...)

	msg = appendCompactU16(msg, len(payouts))
	for _, p := range payouts {
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], transferInstruction)
		binary.LittleEndian.PutUint64(data[4:12], uint64(p.Lamports))

		msg = append(msg, byte(programIndex))
		msg = appendCompactU16(msg, 2)
		msg = append(msg, 0, byte(index[p.To]))
		msg = appendCompactU16(msg, len(data))
		msg = append(msg, data...)
	}

	sig := ed25519.Sign(treasury, msg)

	var tx []byte
	tx = appendCompactU16(tx, 1)
	tx = append(tx, sig...)
	tx = append(tx, msg...)
	return tx, nil
}

// appendCompactU16 writes a compact-u16 (shortvec) length prefix
func appendCompactU16(b []byte, v int) []byte {
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
