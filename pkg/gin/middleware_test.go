package gin

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/x402-go/x402/pkg/facilitatorclient"
	"github.com/x402-go/x402/pkg/types"
)

func fakeFacilitator(t *testing.T, verify types.VerifyResponse, settle types.SettleResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(verify)
		case "/settle":
			json.NewEncoder(w).Encode(settle)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

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

func newRouter(handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/paid", handler, func(c *gin.Context) { c.String(http.StatusOK, "unlocked") })
	return r
}

func TestPaymentMiddlewareRejectsMissingHeader(t *testing.T) {
	facilitator := fakeFacilitator(t, types.VerifyResponse{}, types.SettleResponse{})
	defer facilitator.Close()

	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	router := newRouter(mw)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["accepts"]; !ok {
		t.Fatalf("expected accepts field, got %v", body)
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
	router := newRouter(mw)

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "unlocked" {
		t.Fatalf("handler did not run, got %q", rec.Body.String())
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
		WithOnPayment(func(c *gin.Context, payload *types.PaymentPayload, settled *types.SettleResponse) {
			hookCalls++
			if settled == nil || !settled.Success {
				t.Fatalf("expected a successful settlement in the hook")
			}
		}),
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	router := newRouter(mw)

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

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

func TestPaymentMiddlewareRejectsInvalidVerification(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: false, InvalidReason: "invalid_authorization_signature"})
	}))
	defer facilitator.Close()

	mw := PaymentMiddleware(big.NewFloat(0.01), "0x2222222222222222222222222222222222222222",
		WithNetwork("base-mainnet"),
		WithFacilitatorClient(facilitatorclient.NewFacilitatorClient(&facilitatorclient.Config{URL: facilitator.URL})))
	router := newRouter(mw)

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
