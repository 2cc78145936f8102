// Package client implements the §4.8 client payment engine: it issues
// an HTTP request, detects a 402 Payment Required, selects among the
// offered payment options, signs an authorization with the holder
// key, retries the request carrying an X-PAYMENT header, and surfaces
// the facilitator's settlement receipt back to the caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/internal/resilience"
	"github.com/x402-go/x402/pkg/eip712"
	"github.com/x402-go/x402/pkg/network"
	"github.com/x402-go/x402/pkg/types"
)

// Request describes one call the engine should make, paying for it
// automatically if the server demands it.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Result is what the caller gets back once the pipeline completes.
type Result struct {
	Data         []byte
	Status       int
	Paid         bool
	AmountPaid   string
	TxHash       string
	ResponseData any // not set by Request or RequestStream; Data holds the undecoded body
}

var (
	// ErrPaymentDeclined is returned when paymentDecision rejects an
	// offered PaymentRequirements.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPriceExceedsMax is returned when the cheapest offered option
	// still costs more than the caller's configured MaxAmount.
	ErrPriceExceedsMax = errors.New("price exceeds max willing to pay")
	// ErrNoPaymentOptions is returned when a 402 response's accepts
	// list is empty.
	ErrNoPaymentOptions = errors.New("server returned 402 with no payment options")
)

// isRetryable excludes terminal policy failures and an open circuit
// from the retry budget per spec §4.8/§7: retrying a declined payment
// or a breaker that's still open cannot change the outcome.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrPaymentDeclined) || errors.Is(err, ErrPriceExceedsMax) {
		return false
	}
	return true
}

// Request runs the full pipeline for one call, paying automatically if
// the server responds 402. The whole pipeline is wrapped in the
// per-host circuit breaker and the exponential-backoff retry.
func (e *Engine) Request(ctx context.Context, req Request) (*Result, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		return nil, err
	}
	breaker := e.breakerFor(host)

	var result *Result
	retryErr := resilience.Retry(ctx, e.backoff, func() error {
		return breaker.Call(func() error {
			r, attemptErr := e.attempt(ctx, req)
			if attemptErr != nil {
				return attemptErr
			}
			result = r
			return nil
		})
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return result, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse request URL: %w", err)
	}
	return u.Host, nil
}

// attempt runs steps 1-10 of §4.8 exactly once, with no retry logic of
// its own — retry and circuit-breaking are the caller's concern.
func (e *Engine) attempt(ctx context.Context, req Request) (*Result, error) {
	initial, err := e.do(ctx, req, e.timeout)
	if err != nil {
		return nil, fmt.Errorf("initial request: %w", err)
	}
	defer initial.Body.Close()

	if initial.StatusCode != http.StatusPaymentRequired {
		body, err := io.ReadAll(initial.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return &Result{Data: body, Status: initial.StatusCode, Paid: false}, nil
	}

	var required types.PaymentRequiredBody
	if err := json.NewDecoder(initial.Body).Decode(&required); err != nil {
		return nil, fmt.Errorf("decode 402 body: %w", err)
	}
	if len(required.Accepts) == 0 {
		return nil, ErrNoPaymentOptions
	}

	chosen := selectRequirements(required.Accepts)
	e.bus.Emit(eventbus.PaymentInitiated, chosen)

	if e.paymentDecision != nil && !e.paymentDecision(chosen) {
		return nil, ErrPaymentDeclined
	}

	if e.maxAmount != "" {
		maxAmount, ok := new(big.Int).SetString(e.maxAmount, 10)
		required, ok2 := new(big.Int).SetString(chosen.MaxAmountRequired, 10)
		if ok && ok2 && required.Cmp(maxAmount) > 0 {
			return nil, ErrPriceExceedsMax
		}
	}

	payload, err := e.sign(chosen)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	e.bus.Emit(eventbus.PaymentSigned, payload)

	header, err := types.EncodeToBase64String(payload)
	if err != nil {
		return nil, fmt.Errorf("encode X-PAYMENT header: %w", err)
	}

	paidReq := req
	paidReq.Headers = cloneHeaders(req.Headers)
	paidReq.Headers.Set("X-PAYMENT", header)

	final, err := e.do(ctx, paidReq, e.timeout)
	if err != nil {
		e.bus.Emit(eventbus.PaymentFailed, err.Error())
		return nil, fmt.Errorf("paid retry request: %w", err)
	}
	defer final.Body.Close()

	body, err := io.ReadAll(final.Body)
	if err != nil {
		return nil, fmt.Errorf("read paid response body: %w", err)
	}

	result := &Result{Data: body, Status: final.StatusCode, Paid: true, AmountPaid: chosen.MaxAmountRequired}

	if receiptHeader := final.Header.Get("X-PAYMENT-RESPONSE"); receiptHeader != "" {
		if receipt, err := types.DecodePaymentResponse(receiptHeader); err == nil {
			result.TxHash = receipt.TxHash
			if receipt.ActualAmount != "" {
				result.AmountPaid = receipt.ActualAmount
			}
			if receipt.Success {
				e.bus.Emit(eventbus.PaymentSettled, *receipt)
			} else {
				e.bus.Emit(eventbus.PaymentFailed, receipt.Error)
			}
		}
		// A malformed receipt is ignored per spec §4.8 step 10; the
		// payment itself already succeeded from the server's view.
	} else {
		e.bus.Emit(eventbus.PaymentVerified, chosen)
	}

	return result, nil
}

func (e *Engine) do(ctx context.Context, req Request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader *bytes.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	return e.httpClient.Do(httpReq)
}

func cloneHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// selectRequirements implements spec §4.8 step 4: sort by
// maxAmountRequired ascending, breaking ties by preferring L2 networks
// over L1, and pick the first.
func selectRequirements(accepts []types.PaymentRequirements) types.PaymentRequirements {
	sorted := append([]types.PaymentRequirements(nil), accepts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aok := new(big.Int).SetString(sorted[i].MaxAmountRequired, 10)
		aj, bok := new(big.Int).SetString(sorted[j].MaxAmountRequired, 10)
		if !aok || !bok {
			return false
		}
		cmp := ai.Cmp(aj)
		if cmp != 0 {
			return cmp < 0
		}
		return isL2(sorted[i].Network) && !isL2(sorted[j].Network)
	})
	return sorted[0]
}

func isL2(networkID string) bool {
	return strings.HasPrefix(networkID, "base") ||
		networkID == "arbitrum-one" ||
		strings.HasPrefix(networkID, "arbitrum") ||
		strings.HasPrefix(networkID, "optimism")
}

// sign builds and signs an "exact" authorization for requirements,
// producing the scheme-specific PaymentPayload per §4.2/§4.3.
func (e *Engine) sign(requirements types.PaymentRequirements) (types.PaymentPayload, error) {
	net, err := network.Lookup(requirements.Network)
	if err != nil {
		return types.PaymentPayload{}, fmt.Errorf("unsupported network %q: %w", requirements.Network, err)
	}

	nonce, err := e.drawNonce()
	if err != nil {
		return types.PaymentPayload{}, err
	}

	now := time.Now().Unix()
	timeout := int64(requirements.MaxTimeoutSeconds)
	if timeout <= 0 {
		timeout = 60
	}
	auth := types.Authorization{
		From:        crypto.PubkeyToAddress(e.privateKey.PublicKey).Hex(),
		To:          requirements.PayTo,
		Value:       requirements.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+timeout, 10),
		Nonce:       nonce,
	}

	digest, err := eip712.HashAuthorization(auth, big.NewInt(net.ChainID), requirements.Asset, requirements.DomainName(), requirements.DomainVersion())
	if err != nil {
		return types.PaymentPayload{}, fmt.Errorf("hash authorization: %w", err)
	}
	signature, err := eip712.Sign(digest, e.privateKey)
	if err != nil {
		return types.PaymentPayload{}, fmt.Errorf("sign authorization: %w", err)
	}

	return types.PaymentPayload{
		X402Version: types.CurrentVersion,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload: types.ExactPayload{
			Signature:     "0x" + fmt.Sprintf("%x", signature),
			Authorization: auth,
		},
	}, nil
}
