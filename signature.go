package main

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/mr-tron/base58"
)

// Signed-message prefixes the frontend asks wallets to sign
const (
	msgPrefixNickname = "REGISTER_NICKNAME_"
	msgPrefixReferral = "REF_LINK_"
	msgPrefixRefund   = "REQUEST_REFUND_"
)

// VerifyWalletSignature checks a detached ed25519 signature over message.
// The signature is base64, the wallet address is the base58 public key.
// Any decode failure reads as an invalid signature.
func VerifyWalletSignature(message, signatureB64, walletAddress string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := base58.Decode(walletAddress)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig)
}
