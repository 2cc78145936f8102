// Package settler implements the §4.6 settle pipeline: simulate, then
// submit, then await exactly one confirmation, all under the shared
// exponential-backoff retry policy and wrapped with the facilitator's
// settlement idempotency cache.
package settler

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/x402-go/x402/internal/resilience"
	"github.com/x402-go/x402/internal/settlementcache"
	"github.com/x402-go/x402/mechanisms/evm/chainadapter"
	"github.com/x402-go/x402/pkg/eip712"
	"github.com/x402-go/x402/pkg/network"
	"github.com/x402-go/x402/pkg/types"
)

// Chain is the subset of *chainadapter.Adapter the settler needs.
type Chain interface {
	Simulate(ctx context.Context, tokenAddress string, auth types.Authorization, signature []byte) error
	Submit(ctx context.Context, tokenAddress string, auth types.Authorization, signature []byte) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (chainadapter.Receipt, error)
}

// ChainSet maps a network id to the Chain bound to that network's RPC
// endpoint and operating key.
type ChainSet map[string]Chain

// Options configures a settle request.
type Options struct {
	// ActualAmount is the "upto" scheme's charged amount. Ignored for
	// "exact". If empty, defaults to requirements.MaxAmountRequired.
	ActualAmount string
}

// Settler runs the settle pipeline, deduplicating concurrent requests
// for the same signed authorization via an idempotency cache.
type Settler struct {
	Chains  ChainSet
	Cache   *settlementcache.Cache
	Backoff resilience.BackoffConfig
}

// DefaultBackoff matches spec §4.6: 3 attempts, 2s base, excluding
// "nonce"/"insufficient" from retry eligibility.
func DefaultBackoff() resilience.BackoffConfig {
	cfg := resilience.DefaultBackoffConfig()
	cfg.IsRetryable = IsRetryableError
	return cfg
}

// IsRetryableError excludes errors mentioning "nonce" or "insufficient"
// from the settle retry loop, matching chainadapter.IsRetryable's own
// classification (kept separate here so the settler's retry predicate
// doesn't implicitly depend on error strings from a different layer).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce") || strings.Contains(msg, "insufficient") {
		return false
	}
	return true
}

// New constructs a Settler.
func New(chains ChainSet, cache *settlementcache.Cache) *Settler {
	return &Settler{Chains: chains, Cache: cache, Backoff: DefaultBackoff()}
}

// Settle runs the full pipeline for payload against requirements,
// deduplicating on the signed authorization's identity rather than on
// the bytes of whatever request carried it.
func (s *Settler) Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements, opts Options) (*types.SettleResponse, error) {
	key := settlementcache.Key(payload)

	status, cached, done := s.Cache.CheckAndMark(key)
	switch status {
	case settlementcache.StatusCached:
		return cached, nil
	case settlementcache.StatusInFlight:
		return s.Cache.WaitForResult(ctx, key, done)
	}

	response, err := s.settleUncached(ctx, payload, requirements, opts)
	if err != nil {
		s.Cache.Fail(key, done)
		return nil, err
	}
	s.Cache.Complete(key, response, done)
	return response, nil
}

func (s *Settler) settleUncached(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements, opts Options) (*types.SettleResponse, error) {
	start := time.Now()
	latencyMs := func() int64 { return time.Since(start).Milliseconds() }

	actualAmount, err := resolveActualAmount(payload, requirements, opts)
	if err != nil {
		return &types.SettleResponse{Success: false, Error: err.Error(), LatencyMs: latencyMs()}, nil
	}

	chain, ok := s.Chains[requirements.Network]
	if !ok {
		return &types.SettleResponse{Success: false, Error: fmt.Sprintf("no chain adapter configured for network %q", requirements.Network), LatencyMs: latencyMs()}, nil
	}

	auth := payload.Payload.Authorization
	signature, err := eip712.HexToBytes(payload.Payload.Signature)
	if err != nil {
		return &types.SettleResponse{Success: false, Error: fmt.Sprintf("invalid signature: %v", err), LatencyMs: latencyMs()}, nil
	}

	if err := chain.Simulate(ctx, requirements.Asset, auth, signature); err != nil {
		return &types.SettleResponse{Success: false, Error: fmt.Sprintf("simulation reverted: %v", err), LatencyMs: latencyMs()}, nil
	}

	var txHash string
	var receipt chainadapter.Receipt
	retryErr := resilience.Retry(ctx, s.Backoff, func() error {
		// Once a transaction has been broadcast, later attempts wait on
		// that same hash instead of submitting a second transaction.
		if txHash == "" {
			hash, err := chain.Submit(ctx, requirements.Asset, auth, signature)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			txHash = hash
		}

		timeout := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		r, err := chain.WaitForReceipt(ctx, txHash, timeout)
		if err != nil {
			return fmt.Errorf("await receipt: %w", err)
		}
		receipt = r
		return nil
	})
	if retryErr != nil {
		return &types.SettleResponse{Success: false, Error: retryErr.Error(), TxHash: txHash, NetworkID: requirements.Network, LatencyMs: latencyMs()}, nil
	}

	return &types.SettleResponse{
		Success:      receipt.Success,
		TxHash:       receipt.TxHash,
		NetworkID:    requirements.Network,
		ActualAmount: actualAmount.String(),
		GasUsed:      receipt.GasUsed,
		LatencyMs:    latencyMs(),
	}, nil
}

func resolveActualAmount(payload types.PaymentPayload, requirements types.PaymentRequirements, opts Options) (*big.Int, error) {
	if payload.Scheme != types.SchemeUpto {
		authValue, ok := new(big.Int).SetString(payload.Payload.Authorization.Value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid authorization value: %q", payload.Payload.Authorization.Value)
		}
		return authValue, nil
	}

	maxAmount, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmountRequired: %q", requirements.MaxAmountRequired)
	}

	if opts.ActualAmount == "" {
		return maxAmount, nil
	}
	actual, ok := new(big.Int).SetString(opts.ActualAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid actualAmount: %q", opts.ActualAmount)
	}

	signedValue, ok := new(big.Int).SetString(payload.Payload.Authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %q", payload.Payload.Authorization.Value)
	}
	if actual.Cmp(signedValue) > 0 {
		return nil, fmt.Errorf("charge amount exceeds authorized max")
	}
	return actual, nil
}

// ChainIDFor resolves a network id to its chain id, used by callers
// constructing a ChainSet from pkg/network's registry.
func ChainIDFor(networkID string) (*big.Int, error) {
	n, err := network.Lookup(networkID)
	if err != nil {
		return nil, err
	}
	return big.NewInt(n.ChainID), nil
}
