package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/mr-tron/base58"
)

func signedMessage(t *testing.T, message string) (wallet, sigB64 string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, []byte(message))
	return base58.Encode(pub), base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyWalletSignature(t *testing.T) {
	message := msgPrefixNickname + "Stinky"
	wallet, sig := signedMessage(t, message)

	if !VerifyWalletSignature(message, sig, wallet) {
		t.Error("valid signature should verify")
	}
	if VerifyWalletSignature(msgPrefixNickname+"Impostor", sig, wallet) {
		t.Error("signature over a different message must fail")
	}

	otherWallet, _ := signedMessage(t, message)
	if VerifyWalletSignature(message, sig, otherWallet) {
		t.Error("signature from a different wallet must fail")
	}
}

func TestVerifyWalletSignatureMalformedInput(t *testing.T) {
	message := msgPrefixReferral + "SomeWallet"
	wallet, sig := signedMessage(t, message)

	if VerifyWalletSignature(message, "%%%not-base64%%%", wallet) {
		t.Error("garbage base64 must fail closed")
	}
	if VerifyWalletSignature(message, base64.StdEncoding.EncodeToString([]byte("short")), wallet) {
		t.Error("wrong-length signature must fail closed")
	}
	if VerifyWalletSignature(message, sig, "0OIl-not-base58") {
		t.Error("invalid base58 wallet must fail closed")
	}
	if VerifyWalletSignature(message, sig, base58.Encode([]byte("tiny"))) {
		t.Error("wrong-length public key must fail closed")
	}
}
