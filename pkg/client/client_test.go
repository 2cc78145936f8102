package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-go/x402/pkg/types"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func requirements(network, maxAmount string) types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           network,
		MaxAmountRequired: maxAmount,
		Resource:          "/widgets",
		PayTo:             "0x" + strings.Repeat("3", 40),
		MaxTimeoutSeconds: 60,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}
}

func TestRequestPaysOnSinglePaymentOption(t *testing.T) {
	var sawPaymentHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("X-PAYMENT"); header != "" {
			sawPaymentHeader = header
			w.Header().Set("X-PAYMENT-RESPONSE", mustEncodeResponse(t, types.PaymentResponse{Success: true, TxHash: "0xdeadbeef"}))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		body, _ := json.Marshal(types.PaymentRequiredBody{
			X402Version: types.CurrentVersion,
			Accepts:     []types.PaymentRequirements{requirements("base-sepolia", "1000")},
		})
		w.Write(body)
	}))
	defer server.Close()

	engine := New(testKey(t))
	result, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !result.Paid {
		t.Fatalf("expected Paid=true")
	}
	if result.TxHash != "0xdeadbeef" {
		t.Fatalf("expected tx hash to be surfaced, got %q", result.TxHash)
	}
	if sawPaymentHeader == "" {
		t.Fatalf("expected server to observe an X-PAYMENT header")
	}
}

func TestRequestSelectsCheapestOptionWithL2TieBreak(t *testing.T) {
	var chosenNetwork string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("X-PAYMENT"); header != "" {
			payload, err := types.DecodePaymentPayload(header)
			if err == nil {
				chosenNetwork = payload.Network
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		body, _ := json.Marshal(types.PaymentRequiredBody{
			X402Version: types.CurrentVersion,
			Accepts: []types.PaymentRequirements{
				requirements("ethereum-mainnet", "1000"),
				requirements("base-sepolia", "1000"),
				requirements("arbitrum-one", "2000"),
			},
		})
		w.Write(body)
	}))
	defer server.Close()

	engine := New(testKey(t))
	if _, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if chosenNetwork != "base-sepolia" {
		t.Fatalf("expected the cheapest L2 option to win ties, got %q", chosenNetwork)
	}
}

func TestRequestHonorsPaymentDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		body, _ := json.Marshal(types.PaymentRequiredBody{
			X402Version: types.CurrentVersion,
			Accepts:     []types.PaymentRequirements{requirements("base-sepolia", "1000")},
		})
		w.Write(body)
	}))
	defer server.Close()

	engine := New(testKey(t), WithPaymentDecision(func(types.PaymentRequirements) bool { return false }))
	_, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected payment decline to surface as an error")
	}
}

func TestRequestRejectsAmountAboveMax(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		body, _ := json.Marshal(types.PaymentRequiredBody{
			X402Version: types.CurrentVersion,
			Accepts:     []types.PaymentRequirements{requirements("base-sepolia", "100000")},
		})
		w.Write(body)
	}))
	defer server.Close()

	engine := New(testKey(t), WithMaxAmount("1000"))
	_, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected price-exceeds-max to surface as an error")
	}
}

func TestRequestPassesThroughNonPaymentResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"free":true}`))
	}))
	defer server.Close()

	engine := New(testKey(t))
	result, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if result.Paid {
		t.Fatalf("expected Paid=false for a non-402 response")
	}
}

func TestRequestIgnoresMalformedPaymentResponseHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("X-PAYMENT"); header != "" {
			w.Header().Set("X-PAYMENT-RESPONSE", "not-valid-base64!!")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		body, _ := json.Marshal(types.PaymentRequiredBody{
			X402Version: types.CurrentVersion,
			Accepts:     []types.PaymentRequirements{requirements("base-sepolia", "1000")},
		})
		w.Write(body)
	}))
	defer server.Close()

	engine := New(testKey(t))
	result, err := engine.Request(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !result.Paid {
		t.Fatalf("expected Paid=true even with a malformed receipt header")
	}
	if result.TxHash != "" {
		t.Fatalf("expected no tx hash from a malformed receipt, got %q", result.TxHash)
	}
}

func mustEncodeResponse(t *testing.T, r types.PaymentResponse) string {
	t.Helper()
	s, err := types.EncodePaymentResponse(r)
	if err != nil {
		t.Fatalf("encode payment response: %v", err)
	}
	return s
}
