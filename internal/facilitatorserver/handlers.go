package facilitatorserver

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-go/x402"
	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/internal/validation"
	"github.com/x402-go/x402/mechanisms/evm/settler"
	"github.com/x402-go/x402/mechanisms/evm/verifier"
	"github.com/x402-go/x402/pkg/eip712"
	"github.com/x402-go/x402/pkg/types"
)

// statusFor recovers the HTTP status a *x402.StatusError was tagged
// with, falling back to fallback for errors that never carried one.
func statusFor(err error, fallback int) int {
	var statusErr *x402.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return fallback
}

// requestBody is the shape every paid endpoint accepts: the
// facilitator client's own wire convention, a decoded paymentPayload
// object rather than the raw base64 header string.
type requestBody struct {
	X402Version         int                        `json:"x402Version"`
	PaymentPayload      *types.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *types.PaymentRequirements `json:"paymentRequirements"`
	ActualAmount        string                     `json:"actualAmount,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     types.CurrentVersion,
		"uptime":      time.Since(s.startedAt).Seconds(),
		"facilitator": s.operatingAddress,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":               time.Since(s.startedAt).Seconds(),
		"nonceCacheSize":       s.nonces.Size(),
		"replayAttacksBlocked": s.nonces.ReplayBlocked(),
		"revenue":              s.revenue.snapshot(),
		"rateLimitTokens":      s.limiter.GetAvailableTokens(),
		"rateLimitEnabled":     s.cfg.RateLimitEnabled,
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, types.SupportedResponse{Kinds: supportedKinds()})
}

// readBody reads and shape-validates the request body.
func readBody(c *gin.Context) (requestBody, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return requestBody{}, err
	}
	var body requestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return requestBody{}, err
	}
	if body.PaymentPayload != nil {
		if err := validation.PaymentPayload(body.PaymentPayload); err != nil {
			return requestBody{}, err
		}
	}
	if body.PaymentRequirements != nil {
		if err := validation.PaymentRequirements(body.PaymentRequirements); err != nil {
			return requestBody{}, err
		}
	}
	return body, nil
}

func (s *Server) handleVerify(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.VerifyResponse{IsValid: false, InvalidReason: err.Error()})
		return
	}
	if body.PaymentPayload == nil || body.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, types.VerifyResponse{IsValid: false, InvalidReason: "missing paymentPayload or paymentRequirements"})
		return
	}

	adapter, err := s.pool.get(body.PaymentRequirements.Network)
	if err != nil {
		c.JSON(statusFor(err, http.StatusBadRequest), types.VerifyResponse{IsValid: false, InvalidReason: err.Error()})
		return
	}

	v := verifier.New(adapter, s.nonces, s.logger)
	requestID, _ := c.Get(requestIDHeader)
	ctx := verifyContext(requestID, *body.PaymentPayload)
	s.bus.Emit(eventbus.PaymentInitiated, ctx)

	result := v.Verify(c.Request.Context(), *body.PaymentPayload, *body.PaymentRequirements)
	s.metrics.RecordVerification(result.IsValid, time.Duration(result.LatencyMs)*time.Millisecond)

	ctx.IsValid = result.IsValid
	ctx.InvalidReason = string(result.InvalidReason)
	if result.IsValid {
		s.bus.Emit(eventbus.PaymentVerified, ctx)
	} else {
		s.bus.Emit(eventbus.PaymentFailed, ctx)
	}

	c.JSON(http.StatusOK, types.VerifyResponse{
		IsValid:       result.IsValid,
		InvalidReason: string(result.InvalidReason),
		Payer:         result.Payer,
	})
}

func (s *Server) handleSettle(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.SettleResponse{Success: false, Error: err.Error()})
		return
	}
	if body.PaymentPayload == nil || body.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, types.SettleResponse{Success: false, Error: "missing paymentPayload or paymentRequirements"})
		return
	}

	adapter, err := s.pool.get(body.PaymentRequirements.Network)
	if err != nil {
		c.JSON(statusFor(err, http.StatusBadRequest), types.SettleResponse{Success: false, Error: err.Error()})
		return
	}

	chainSet := settler.ChainSet{body.PaymentRequirements.Network: adapter}
	st := settler.New(chainSet, s.settlements)

	requestID, _ := c.Get(requestIDHeader)
	sctx := settleContext(requestID, *body.PaymentRequirements)
	s.bus.Emit(eventbus.PaymentInitiated, sctx)

	start := time.Now()
	result, err := st.Settle(c.Request.Context(), *body.PaymentPayload, *body.PaymentRequirements, settler.Options{ActualAmount: body.ActualAmount})
	latency := time.Since(start)
	if err != nil {
		s.metrics.RecordSettlement(false, latency, 0)
		sctx.Success = false
		sctx.Error = err.Error()
		s.bus.Emit(eventbus.PaymentFailed, sctx)
		c.JSON(http.StatusInternalServerError, types.SettleResponse{Success: false, Error: err.Error()})
		return
	}

	s.metrics.RecordSettlement(result.Success, latency, result.GasUsed)
	sctx.Success = result.Success
	sctx.TxHash = result.TxHash
	sctx.Error = result.Error
	if result.Success {
		s.revenue.record(result.NetworkID, result.ActualAmount)
		s.bus.Emit(eventbus.PaymentSettled, sctx)
		c.JSON(http.StatusOK, result)
		return
	}
	s.bus.Emit(eventbus.PaymentFailed, sctx)
	c.JSON(http.StatusBadRequest, result)
}

type estimateGasResponse struct {
	GasEstimate string  `json:"gasEstimate,omitempty"`
	GasCostUsd  float64 `json:"gasCostUsd,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (s *Server) handleEstimateGas(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, estimateGasResponse{Error: err.Error()})
		return
	}
	if body.PaymentPayload == nil || body.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, estimateGasResponse{Error: "missing paymentPayload or paymentRequirements"})
		return
	}

	adapter, err := s.pool.get(body.PaymentRequirements.Network)
	if err != nil {
		c.JSON(statusFor(err, http.StatusBadRequest), estimateGasResponse{Error: err.Error()})
		return
	}

	signature, err := eip712.HexToBytes(body.PaymentPayload.Payload.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, estimateGasResponse{Error: err.Error()})
		return
	}

	fee, err := adapter.EstimateFee(c.Request.Context(), body.PaymentRequirements.Asset, body.PaymentPayload.Payload.Authorization, signature)
	if err != nil {
		c.JSON(http.StatusOK, estimateGasResponse{Error: err.Error()})
		return
	}

	costWei := new(big.Int).Mul(fee.GasFeeCap, new(big.Int).SetUint64(fee.GasLimit))
	costEth := new(big.Float).Quo(new(big.Float).SetInt(costWei), big.NewFloat(1e18))
	costUsd, _ := new(big.Float).Mul(costEth, big.NewFloat(s.cfg.NativeUSDRate)).Float64()

	c.JSON(http.StatusOK, estimateGasResponse{
		GasEstimate: new(big.Int).SetUint64(fee.GasLimit).String(),
		GasCostUsd:  costUsd,
	})
}

func verifyContext(requestID any, payload types.PaymentPayload) eventbus.VerifyContext {
	id, _ := requestID.(string)
	return eventbus.VerifyContext{RequestID: id, Network: payload.Network, Scheme: string(payload.Scheme)}
}

func settleContext(requestID any, requirements types.PaymentRequirements) eventbus.SettleContext {
	id, _ := requestID.(string)
	return eventbus.SettleContext{RequestID: id, Network: requirements.Network}
}
