// Package facilitatorclient is the HTTP client spoken by the client
// payment engine and the resource-server gateways to reach a
// facilitator's /verify, /settle, and /supported endpoints.
package facilitatorclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/x402-go/x402/pkg/types"
)

const (
	// DefaultFacilitatorURL is the default URL for the x402 facilitator service.
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	headerContentType = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"

	maxRetries  = 3
	retryBase   = 200 * time.Millisecond
	retryJitter = 0.1
)

// FacilitatorClient talks to a facilitator's HTTP surface.
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// Config configures a FacilitatorClient. A nil Config targets
// DefaultFacilitatorURL with no auth headers and no timeout override.
type Config struct {
	URL               string
	Timeout           time.Duration
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// NewFacilitatorClient builds a client from config, falling back to
// DefaultFacilitatorURL when config or config.URL is empty.
func NewFacilitatorClient(config *Config) *FacilitatorClient {
	url := DefaultFacilitatorURL
	var timeout time.Duration
	var createAuthHeaders func() (map[string]map[string]string, error)
	if config != nil {
		if config.URL != "" {
			url = config.URL
		}
		timeout = config.Timeout
		createAuthHeaders = config.CreateAuthHeaders
	}

	httpCli := &http.Client{}
	if timeout > 0 {
		httpCli.Timeout = timeout
	}

	return &FacilitatorClient{
		URL:               url,
		HTTPClient:        httpCli,
		CreateAuthHeaders: createAuthHeaders,
	}
}

type verifyRequestBody struct {
	X402Version         int                        `json:"x402Version"`
	PaymentPayload      *types.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *types.PaymentRequirements `json:"paymentRequirements"`
}

// Verify sends a payment verification request to the facilitator.
func (c *FacilitatorClient) Verify(payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	var out types.VerifyResponse
	body := verifyRequestBody{X402Version: types.CurrentVersion, PaymentPayload: payload, PaymentRequirements: requirements}
	if err := c.doJSON(http.MethodPost, "/verify", authHeaderVerify, body, &out); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &out, nil
}

// Settle sends a payment settlement request to the facilitator.
func (c *FacilitatorClient) Settle(payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	var out types.SettleResponse
	body := verifyRequestBody{X402Version: types.CurrentVersion, PaymentPayload: payload, PaymentRequirements: requirements}
	if err := c.doJSON(http.MethodPost, "/settle", authHeaderSettle, body, &out); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	return &out, nil
}

// Supported retrieves the list of (scheme, network) kinds the
// facilitator advertises.
func (c *FacilitatorClient) Supported() (*types.SupportedResponse, error) {
	var out types.SupportedResponse
	if err := c.doJSON(http.MethodGet, "/supported", authHeaderSupported, nil, &out); err != nil {
		return nil, fmt.Errorf("supported: %w", err)
	}
	return &out, nil
}

// doJSON performs one request, retrying on 429 and 5xx with jittered
// backoff up to maxRetries times, per spec §4.6's backoff contract.
func (c *FacilitatorClient) doJSON(method, path, authKey string, reqBody any, out any) error {
	var jsonBody []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		jsonBody = b
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var bodyReader *bytes.Reader
		if jsonBody != nil {
			bodyReader = bytes.NewReader(jsonBody)
		} else {
			bodyReader = bytes.NewReader(nil)
		}

		req, err := http.NewRequest(method, c.URL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set(headerContentType, mimeApplicationJSON)
		if err := c.addAuthHeader(req, authKey); err != nil {
			return fmt.Errorf("apply auth headers: %w", err)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			c.sleepBackoff(attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("facilitator returned %s", resp.Status)
			c.sleepBackoff(attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return fmt.Errorf("facilitator returned %s", resp.Status)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *FacilitatorClient) sleepBackoff(attempt int) {
	delay := retryBase * time.Duration(1<<(attempt-1))
	jitter := time.Duration(float64(delay) * retryJitter * (rand.Float64()*2 - 1))
	time.Sleep(delay + jitter)
}

func (c *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	actionHeaders, ok := headers[key]
	if !ok {
		return nil
	}

	for headerKey, value := range actionHeaders {
		req.Header.Set(headerKey, value)
	}

	return nil
}
