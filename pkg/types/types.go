// Package types defines the wire types exchanged between the client
// engine, the resource-server gateway, and the facilitator.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CurrentVersion is the x402 protocol version this module speaks.
const CurrentVersion = 1

// Scheme identifies how a payment authorization is charged.
type Scheme string

const (
	SchemeExact Scheme = "exact"
	SchemeUpto  Scheme = "upto"
)

// PaymentExtra carries the EIP-712 domain fields used to sign the
// authorization, when they differ from the network's default asset.
type PaymentExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// MeteringInfo describes how an "upto" authorization's maximum value
// maps to a unit price, so the server can compute actualAmount after
// the fact.
type MeteringInfo struct {
	Unit         string `json:"unit"`
	PricePerUnit string `json:"pricePerUnit"`
	MaxUnits     string `json:"maxUnits"`
}

// PaymentRequirements is the server's demand for payment.
type PaymentRequirements struct {
	Scheme            Scheme        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description,omitempty"`
	MimeType          string        `json:"mimeType,omitempty"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// SetUSDCInfo fills Extra with the canonical USDC EIP-712 domain fields.
func (r *PaymentRequirements) SetUSDCInfo(isTestnet bool) {
	name := "USD Coin"
	if isTestnet {
		name = "USDC"
	}
	r.Extra = &PaymentExtra{Name: name, Version: "2"}
}

// DomainName returns the EIP-712 domain name to use for this
// requirement, falling back to the USDC default per spec §3.
func (r *PaymentRequirements) DomainName() string {
	if r.Extra != nil && r.Extra.Name != "" {
		return r.Extra.Name
	}
	return "USD Coin"
}

// DomainVersion returns the EIP-712 domain version, defaulting to "2".
func (r *PaymentRequirements) DomainVersion() string {
	if r.Extra != nil && r.Extra.Version != "" {
		return r.Extra.Version
	}
	return "2"
}

// Authorization is the EIP-3009 TransferWithAuthorization message
// signed by the payer's holder key.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific payload carried by an "exact"
// or "upto" PaymentPayload.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
	Metering      *MeteringInfo `json:"metering,omitempty"`
}

// PaymentPayload is the outer object embedded in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      Scheme       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentResponse is the facilitator's receipt, returned in the
// X-PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	NetworkID    string `json:"networkId,omitempty"`
	ActualAmount string `json:"actualAmount,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PaymentRequiredBody is the JSON body of a 402 response.
type PaymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Error       string                 `json:"error,omitempty"`
}

// VerifyResponse is the /verify endpoint's response shape.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the /settle endpoint's response shape.
type SettleResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	NetworkID    string `json:"networkId,omitempty"`
	ActualAmount string `json:"actualAmount,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
}

// SupportedKind is one (scheme, network) pair the facilitator advertises.
type SupportedKind struct {
	Scheme  Scheme `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the /supported endpoint's response shape.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// EncodeToBase64String canonically encodes v as base64(UTF-8 JSON),
// per spec §4.1's codec contract. Amounts must already be decimal
// strings on the value, never JSON numbers — the struct tags above
// guarantee that by construction.
func EncodeToBase64String(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeFromBase64String is the inverse of EncodeToBase64String.
func DecodeFromBase64String(encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DecodePaymentPayload decodes an X-PAYMENT header value.
func DecodePaymentPayload(headerValue string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := DecodeFromBase64String(headerValue, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SafeDecodePaymentPayload never returns an error; it reports success
// via the boolean, matching spec §4.1's safeDecode variant for callers
// that want a discriminated result instead of an error value.
func SafeDecodePaymentPayload(headerValue string) (*PaymentPayload, bool) {
	p, err := DecodePaymentPayload(headerValue)
	if err != nil {
		return nil, false
	}
	return p, true
}

// EncodePaymentResponse encodes a receipt for the X-PAYMENT-RESPONSE header.
func EncodePaymentResponse(r PaymentResponse) (string, error) {
	return EncodeToBase64String(r)
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponse(headerValue string) (*PaymentResponse, error) {
	var r PaymentResponse
	if err := DecodeFromBase64String(headerValue, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
