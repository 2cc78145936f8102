package stdlib

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/x402-go/x402/pkg/facilitatorclient"
	"github.com/x402-go/x402/pkg/types"
)

func paymentHeader(t *testing.T) string {
	t.Helper()
	payload := types.PaymentPayload{
		X402Version: types.CurrentVersion,
		Scheme:      types.SchemeExact,
		Network:     "base-mainnet",
		Payload: types.ExactPayload{
			Signature: "0x" + repeat("ab", 65),
			Authorization: types.Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "1000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + repeat("cd", 32),
			},
		},
	}
	header, err := types.EncodeToBase64String(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return header
}

func repeat(pair string, n int) string {
	out := make([]byte, 0, len(pair)*n)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}

func handlerUnlocked() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("unlocked"))
	})
}

func TestPaymentMiddlewareRejectsMissingHeader(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer facilitator.Close()

	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	handler := mw(handlerUnlocked())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestPaymentMiddlewareVerifyOnlyByDefault(t *testing.T) {
	var settleCalled bool
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/settle" {
			settleCalled = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true})
	}))
	defer facilitator.Close()

	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithNetwork("base-mainnet"),
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	handler := mw(handlerUnlocked())

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "unlocked" {
		t.Fatalf("expected handler to run, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Fatalf("verify-only mode must not set X-PAYMENT-RESPONSE")
	}
	if settleCalled {
		t.Fatalf("verify-only mode must not call /settle")
	}
}

func TestPaymentMiddlewareSettleThenRespond(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true})
		case "/settle":
			json.NewEncoder(w).Encode(types.SettleResponse{Success: true, TxHash: "0xdeadbeef", NetworkID: "base-mainnet", ActualAmount: "1000"})
		}
	}))
	defer facilitator.Close()

	var hookCalls int
	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithNetwork("base-mainnet"),
		WithSettleThenRespond(true),
		WithOnPayment(func(r *http.Request, payload *types.PaymentPayload, settled *types.SettleResponse) {
			hookCalls++
			if settled == nil || !settled.Success {
				t.Fatalf("expected a successful settlement in the hook")
			}
		}),
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	handler := mw(handlerUnlocked())

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") == "" {
		t.Fatalf("settle-then-respond mode must set X-PAYMENT-RESPONSE")
	}
	if hookCalls != 1 {
		t.Fatalf("expected OnPayment to fire exactly once, fired %d times", hookCalls)
	}
}

func TestPaymentMiddlewareAdvertisesAdditionalRequirements(t *testing.T) {
	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithAdditionalRequirements(types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           "base-sepolia",
			MaxAmountRequired: "1000",
			PayTo:             "0x2222222222222222222222222222222222222222",
			MaxTimeoutSeconds: 60,
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		}))
	handler := mw(handlerUnlocked())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid", nil))

	var body struct {
		Accepts []types.PaymentRequirements `json:"accepts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Accepts) != 2 {
		t.Fatalf("expected 2 accepted requirements, got %d", len(body.Accepts))
	}
}
