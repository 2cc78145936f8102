package types

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

var hexNonceRE = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidatePaymentRequirements checks the shape invariants spec §3 lists
// for PaymentRequirements: well-formed addresses, a parseable
// non-negative maxAmountRequired, a resource URL, and a positive timeout.
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme != SchemeExact && r.Scheme != SchemeUpto {
		return fmt.Errorf("unsupported scheme: %q", r.Scheme)
	}
	if r.Network == "" {
		return fmt.Errorf("network is required")
	}
	if !common.IsHexAddress(r.PayTo) {
		return fmt.Errorf("payTo is not a well-formed address: %q", r.PayTo)
	}
	if !common.IsHexAddress(r.Asset) {
		return fmt.Errorf("asset is not a well-formed address: %q", r.Asset)
	}
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("maxAmountRequired is not a non-negative integer: %q", r.MaxAmountRequired)
	}
	if _, err := url.ParseRequestURI(r.Resource); err != nil {
		return fmt.Errorf("resource is not a valid URL: %w", err)
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("maxTimeoutSeconds must be positive, got %d", r.MaxTimeoutSeconds)
	}
	return nil
}

// ValidateAuthorization checks the shape invariants spec §3 lists for
// an Authorization: validAfter <= validBefore, value > 0, well-formed
// nonce and addresses.
func ValidateAuthorization(a Authorization) error {
	if !common.IsHexAddress(a.From) {
		return fmt.Errorf("from is not a well-formed address: %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return fmt.Errorf("to is not a well-formed address: %q", a.To)
	}
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || value.Sign() <= 0 {
		return fmt.Errorf("value must be a positive integer: %q", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return fmt.Errorf("validAfter is not an integer: %q", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return fmt.Errorf("validBefore is not an integer: %q", a.ValidBefore)
	}
	if validAfter.Cmp(validBefore) > 0 {
		return fmt.Errorf("validAfter (%s) must be <= validBefore (%s)", a.ValidAfter, a.ValidBefore)
	}
	if !hexNonceRE.MatchString(a.Nonce) {
		return fmt.Errorf("nonce must be a 32-byte hex value: %q", a.Nonce)
	}
	return nil
}

// ValidatePaymentPayload validates the outer payload and, for exact/upto
// schemes, the inner authorization.
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != CurrentVersion {
		return fmt.Errorf("unsupported x402Version: %d", p.X402Version)
	}
	if p.Scheme != SchemeExact && p.Scheme != SchemeUpto {
		return fmt.Errorf("unsupported scheme: %q", p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("network is required")
	}
	return ValidateAuthorization(p.Payload.Authorization)
}
