package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/internal/resilience"
	"github.com/x402-go/x402/pkg/types"
)

// streamTimeout bounds a streaming request's total lifetime, longer
// than the default single-request timeout because a streamed response
// body can take a while to fully drain.
const streamTimeout = 90 * time.Second

// Chunk is one piece of a streamed response body.
type Chunk struct {
	Data []byte
	Err  error
}

// RequestStream runs the same 402 handshake as Request, then exposes
// the final response body as a lazily-read channel of chunks instead
// of buffering it whole. A failure partway through the stream is
// reported on the channel but does not unwind the payment: the
// facilitator has already settled by the time bytes start arriving.
func (e *Engine) RequestStream(ctx context.Context, req Request) (<-chan Chunk, *Result, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	host, err := hostOf(req.URL)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	breaker := e.breakerFor(host)

	resp, meta, err := e.openStream(ctx, breaker, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp == nil {
		cancel()
		return nil, meta, nil
	}

	e.bus.Emit(eventbus.StreamStarted, meta)

	chunks := make(chan Chunk)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer close(chunks)

		reader := bufio.NewReader(resp.Body)
		buf := make([]byte, 4096)
		for {
			n, readErr := reader.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				chunks <- Chunk{Data: data}
				e.bus.Emit(eventbus.StreamChunk, len(data))
			}
			if readErr != nil {
				if readErr != io.EOF {
					chunks <- Chunk{Err: readErr}
				}
				break
			}
		}
		e.bus.Emit(eventbus.StreamEnded, meta)
	}()

	return chunks, meta, nil
}

// openStream runs the payment handshake and returns the live response
// whose body the caller must drain and close, or a non-nil *Result
// with a nil response when the server never demanded payment.
func (e *Engine) openStream(ctx context.Context, breaker *resilience.CircuitBreaker, req Request) (*http.Response, *Result, error) {
	var resp *http.Response
	var meta *Result

	err := breaker.Call(func() error {
		initial, err := e.do(ctx, req, e.timeout)
		if err != nil {
			return fmt.Errorf("initial request: %w", err)
		}

		if initial.StatusCode != http.StatusPaymentRequired {
			resp = initial
			meta = &Result{Status: initial.StatusCode, Paid: false}
			return nil
		}
		defer initial.Body.Close()

		var required types.PaymentRequiredBody
		if decodeErr := json.NewDecoder(initial.Body).Decode(&required); decodeErr != nil {
			return fmt.Errorf("decode 402 body: %w", decodeErr)
		}
		if len(required.Accepts) == 0 {
			return ErrNoPaymentOptions
		}

		chosen := selectRequirements(required.Accepts)
		e.bus.Emit(eventbus.PaymentInitiated, chosen)

		if e.paymentDecision != nil && !e.paymentDecision(chosen) {
			return ErrPaymentDeclined
		}

		if e.maxAmount != "" {
			maxAmount, ok := new(big.Int).SetString(e.maxAmount, 10)
			price, ok2 := new(big.Int).SetString(chosen.MaxAmountRequired, 10)
			if ok && ok2 && price.Cmp(maxAmount) > 0 {
				return ErrPriceExceedsMax
			}
		}

		payload, err := e.sign(chosen)
		if err != nil {
			return fmt.Errorf("sign authorization: %w", err)
		}
		e.bus.Emit(eventbus.PaymentSigned, payload)

		header, err := types.EncodeToBase64String(payload)
		if err != nil {
			return fmt.Errorf("encode X-PAYMENT header: %w", err)
		}

		paidReq := req
		paidReq.Headers = cloneHeaders(req.Headers)
		paidReq.Headers.Set("X-PAYMENT", header)

		final, err := e.do(ctx, paidReq, e.timeout)
		if err != nil {
			return fmt.Errorf("paid retry request: %w", err)
		}

		resp = final
		meta = &Result{Status: final.StatusCode, Paid: true, AmountPaid: chosen.MaxAmountRequired}
		if receiptHeader := final.Header.Get("X-PAYMENT-RESPONSE"); receiptHeader != "" {
			if receipt, decodeErr := types.DecodePaymentResponse(receiptHeader); decodeErr == nil {
				meta.TxHash = receipt.TxHash
				if receipt.ActualAmount != "" {
					meta.AmountPaid = receipt.ActualAmount
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, meta, nil
}
