package eip712

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-go/x402/pkg/types"
)

func TestHashAuthorizationDeterministic(t *testing.T) {
	auth := types.Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x" + "ab" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddee",
	}

	h1, err := HashAuthorization(auth, big.NewInt(8453), "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin", "2")
	if err != nil {
		t.Fatalf("HashAuthorization: %v", err)
	}
	h2, err := HashAuthorization(auth, big.NewInt(8453), "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin", "2")
	if err != nil {
		t.Fatalf("HashAuthorization: %v", err)
	}
	if string(h1) != string(h2) {
		t.Fatalf("expected deterministic hash, got %x != %x", h1, h2)
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32-byte digest, got %d bytes", len(h1))
	}
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := crypto.PubkeyToAddress(privKey.PublicKey)

	auth := types.Authorization{
		From:        address.Hex(),
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "42",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
	}

	digest, err := HashAuthorization(auth, big.NewInt(84532), "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC", "2")
	if err != nil {
		t.Fatalf("HashAuthorization: %v", err)
	}

	sig, err := Sign(digest, privKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	if sig[64] < 27 {
		t.Fatalf("expected V normalized to {27,28}, got %d", sig[64])
	}

	recovered, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != address {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), address.Hex())
	}
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	if _, err := Recover(make([]byte, 32), make([]byte, 10)); err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestHexToBytesAcceptsPrefixedAndBare(t *testing.T) {
	b1, err := HexToBytes("0xdeadbeef")
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	b2, err := HexToBytes("deadbeef")
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("expected equal decoding, got %x != %x", b1, b2)
	}
}
