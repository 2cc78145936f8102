// Package verifier implements the §4.5 verify pipeline: a sequence of
// fail-fast checks over a decoded payment payload, ending in a soft
// balance check. The nonce is written to the nonce cache at the replay
// check (step 3), before the remaining checks run, so a payload that
// fails a later check has still used up its nonce.
package verifier

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-go/x402/internal/noncecache"
	"github.com/x402-go/x402/pkg/eip712"
	"github.com/x402-go/x402/pkg/network"
	"github.com/x402-go/x402/pkg/types"
)

// Reason is one of the taxonomy of invalid reasons returned in
// VerifyResponse.InvalidReason.
type Reason string

const (
	ReasonUnsupportedVersion Reason = "unsupported_x402_version"
	ReasonSchemeMismatch     Reason = "invalid_scheme_mismatch"
	ReasonNetworkMismatch    Reason = "invalid_network_mismatch"
	ReasonReplayDetected     Reason = "nonce_already_used_replay_detected"
	ReasonRecipientMismatch  Reason = "invalid_authorization_to_address_mismatch"
	ReasonInvalidValue       Reason = "invalid_authorization_value"
	ReasonAmountTooLow       Reason = "invalid_authorization_value_exceeded"
	ReasonInvalidTimeWindow  Reason = "invalid_authorization_time_window"
	ReasonNotYetValid        Reason = "invalid_authorization_valid_after"
	ReasonExpired            Reason = "invalid_authorization_valid_before"
	ReasonInvalidSignature   Reason = "invalid_authorization_signature"
	ReasonSignatureMismatch  Reason = "invalid_authorization_sender_mismatch"
	ReasonInsufficientFunds  Reason = "insufficient_funds"
)

// ChainReader is the subset of chainadapter.Adapter the verifier needs
// for its soft balance check.
type ChainReader interface {
	BalanceOf(ctx context.Context, tokenAddress, account string) (*big.Int, error)
}

// Logger is the subset of *slog.Logger the verifier needs, narrowed so
// tests can substitute a no-op implementation.
type Logger interface {
	Warn(msg string, args ...any)
}

// Verifier runs the §4.5 pipeline against a chain reader and a shared
// nonce cache.
type Verifier struct {
	Chain  ChainReader
	Nonces *noncecache.Cache
	Logger Logger
}

// New constructs a Verifier bound to chain and nonces.
func New(chain ChainReader, nonces *noncecache.Cache, logger Logger) *Verifier {
	return &Verifier{Chain: chain, Nonces: nonces, Logger: logger}
}

// Result is the outcome of one Verify call, including the latency the
// caller should feed into the verification-latency metric.
type Result struct {
	IsValid       bool
	InvalidReason Reason
	Payer         string
	LatencyMs     int64
}

func fail(reason Reason, start time.Time) Result {
	return Result{IsValid: false, InvalidReason: reason, LatencyMs: time.Since(start).Milliseconds()}
}

// Verify runs the full pipeline over payload against requirements.
func (v *Verifier) Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) Result {
	start := time.Now()

	// 1. Decode/version/scheme/network checks.
	if payload.X402Version != types.CurrentVersion {
		return fail(ReasonUnsupportedVersion, start)
	}
	if payload.Scheme != requirements.Scheme {
		return fail(ReasonSchemeMismatch, start)
	}
	if payload.Network != requirements.Network {
		return fail(ReasonNetworkMismatch, start)
	}

	auth := payload.Payload.Authorization

	// 2. exact and upto share the same authorization structure, so no
	// scheme-specific branch is needed here.

	// 3. Nonce check. CheckAndRecord burns the nonce in the same
	// critical section it checks it in, so two concurrent Verify calls
	// for the same (network, nonce) cannot both pass.
	if v.Nonces.CheckAndRecord(payload.Network, auth.Nonce) {
		return fail(ReasonReplayDetected, start)
	}

	// 4. Recipient check.
	if !common.IsHexAddress(auth.To) || !common.IsHexAddress(requirements.PayTo) {
		return fail(ReasonRecipientMismatch, start)
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(requirements.PayTo) {
		return fail(ReasonRecipientMismatch, start)
	}

	// 5. Amount check.
	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || authValue.Sign() < 0 {
		return fail(ReasonInvalidValue, start)
	}
	maxRequired, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return fail(ReasonInvalidValue, start)
	}
	if authValue.Cmp(maxRequired) < 0 {
		return fail(ReasonAmountTooLow, start)
	}

	// 6. Timestamp check.
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return fail(ReasonNotYetValid, start)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return fail(ReasonExpired, start)
	}
	if validAfter >= validBefore {
		return fail(ReasonInvalidTimeWindow, start)
	}
	now := time.Now().Unix()
	if now < validAfter {
		return fail(ReasonNotYetValid, start)
	}
	if now > validBefore {
		return fail(ReasonExpired, start)
	}

	// 7. Signature check.
	signature, err := eip712.HexToBytes(payload.Payload.Signature)
	if err != nil || len(signature) != 65 {
		return fail(ReasonInvalidSignature, start)
	}
	net, err := network.Lookup(requirements.Network)
	if err != nil {
		return fail(ReasonNetworkMismatch, start)
	}
	chainID := big.NewInt(net.ChainID)
	digest, err := eip712.HashAuthorization(auth, chainID, requirements.Asset, requirements.DomainName(), requirements.DomainVersion())
	if err != nil {
		return fail(ReasonInvalidSignature, start)
	}
	signer, err := eip712.Recover(digest, signature)
	if err != nil {
		return fail(ReasonInvalidSignature, start)
	}
	if !common.IsHexAddress(auth.From) || signer != common.HexToAddress(auth.From) {
		return fail(ReasonSignatureMismatch, start)
	}

	// 8. Balance check, soft-failing.
	if v.Chain != nil {
		balance, err := v.Chain.BalanceOf(ctx, requirements.Asset, auth.From)
		if err != nil {
			if v.Logger != nil {
				v.Logger.Warn("verifier: balance read failed, proceeding without it", "error", err, "network", requirements.Network)
			}
		} else if balance.Cmp(authValue) < 0 {
			return fail(ReasonInsufficientFunds, start)
		}
	}

	// 9. The nonce was already recorded in step 3; succeed.
	return Result{
		IsValid:   true,
		Payer:     signer.Hex(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

