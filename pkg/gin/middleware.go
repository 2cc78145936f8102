// Package gin provides the x402 resource-server gateway as Gin
// middleware: it challenges unpaid requests with 402, verifies the
// X-PAYMENT header against a facilitator, settles on success, and only
// then invokes the wrapped handler.
package gin

import (
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/pkg/facilitatorclient"
	"github.com/x402-go/x402/pkg/network"
	"github.com/x402-go/x402/pkg/types"
)

// OnPaymentFunc fires exactly once per request that clears the payment
// gate, whether by verification alone or by a full settlement.
type OnPaymentFunc func(c *gin.Context, payload *types.PaymentPayload, settled *types.SettleResponse)

// Options configures PaymentMiddleware.
type Options struct {
	Description            string
	MimeType               string
	MaxTimeoutSeconds      int
	FacilitatorClient      *facilitatorclient.FacilitatorClient
	CustomPaywallHTML      string
	Resource               string
	ResourceRootURL        string
	Network                string
	Logger                 *slog.Logger
	AdditionalRequirements []types.PaymentRequirements
	SettleThenRespond      bool
	OnPayment              OnPaymentFunc
	Bus                    *eventbus.Bus
}

// Option mutates Options.
type Option func(*Options)

// WithDescription sets the human-readable description advertised in
// PaymentRequirements.
func WithDescription(description string) Option {
	return func(o *Options) { o.Description = description }
}

// WithMimeType sets the resource's advertised MIME type.
func WithMimeType(mimeType string) Option {
	return func(o *Options) { o.MimeType = mimeType }
}

// WithMaxTimeoutSeconds overrides the default 60s payment window.
func WithMaxTimeoutSeconds(maxTimeoutSeconds int) Option {
	return func(o *Options) { o.MaxTimeoutSeconds = maxTimeoutSeconds }
}

// WithFacilitatorClient overrides the default facilitator client.
func WithFacilitatorClient(client *facilitatorclient.FacilitatorClient) Option {
	return func(o *Options) { o.FacilitatorClient = client }
}

// WithCustomPaywallHTML overrides the HTML served to browsers on 402.
func WithCustomPaywallHTML(html string) Option {
	return func(o *Options) { o.CustomPaywallHTML = html }
}

// WithResource sets the exact resource URL advertised; if unset it is
// derived from ResourceRootURL and the request path.
func WithResource(resource string) Option {
	return func(o *Options) { o.Resource = resource }
}

// WithResourceRootURL sets the prefix used to derive Resource per request.
func WithResourceRootURL(resourceRootURL string) Option {
	return func(o *Options) { o.ResourceRootURL = resourceRootURL }
}

// WithNetwork selects which registered network to charge on.
func WithNetwork(id string) Option {
	return func(o *Options) { o.Network = id }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithAdditionalRequirements advertises extra ways to pay alongside the
// primary requirement built from amount/address, all listed in the 402
// body's accepts array. The client's own signed scheme/network fixes
// which one it satisfies.
func WithAdditionalRequirements(requirements ...types.PaymentRequirements) Option {
	return func(o *Options) { o.AdditionalRequirements = append(o.AdditionalRequirements, requirements...) }
}

// WithSettleThenRespond switches the gate from verify-only (the
// default) to settle-before-handler: the facilitator submits and
// confirms the transfer before the wrapped handler ever runs, and
// X-PAYMENT-RESPONSE carries the settlement receipt.
func WithSettleThenRespond(settleThenRespond bool) Option {
	return func(o *Options) { o.SettleThenRespond = settleThenRespond }
}

// WithOnPayment registers a hook that fires exactly once per request
// that clears the payment gate.
func WithOnPayment(fn OnPaymentFunc) Option {
	return func(o *Options) { o.OnPayment = fn }
}

// WithEventBus wires the gateway's payment lifecycle into bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(o *Options) { o.Bus = bus }
}

// PaymentMiddleware returns Gin middleware that gates the wrapped route
// behind an x402 payment of amount (a decimal token quantity, e.g. 0.01)
// paid to address.
func PaymentMiddleware(amount *big.Float, address string, opts ...Option) gin.HandlerFunc {
	options := &Options{
		FacilitatorClient: facilitatorclient.NewFacilitatorClient(nil),
		MaxTimeoutSeconds: 60,
		Network:           "base-mainnet",
		Logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	net, err := network.Lookup(options.Network)
	if err != nil {
		panic(err)
	}
	maxAmountRequired := network.AmountToAssetUnits(amount, net.DefaultAsset.Decimals)

	return func(c *gin.Context) {
		log := options.Logger
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		primary := types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           net.ID,
			MaxAmountRequired: maxAmountRequired.String(),
			Resource:          resource,
			Description:       options.Description,
			MimeType:          options.MimeType,
			PayTo:             address,
			MaxTimeoutSeconds: options.MaxTimeoutSeconds,
			Asset:             net.DefaultAsset.Address,
		}
		primary.SetUSDCInfo(net.IsTestnet)
		accepts := append([]types.PaymentRequirements{primary}, options.AdditionalRequirements...)

		isWebBrowser := strings.Contains(c.GetHeader("Accept"), "text/html") &&
			strings.Contains(c.GetHeader("User-Agent"), "Mozilla")

		header := c.GetHeader("X-PAYMENT")
		if header == "" {
			respondPaymentRequired(c, isWebBrowser, options.CustomPaywallHTML, "X-PAYMENT header is required", accepts)
			return
		}

		paymentPayload, err := types.DecodePaymentPayload(header)
		if err != nil {
			log.Warn("x402: malformed payment header", "error", err)
			respondPaymentRequired(c, isWebBrowser, options.CustomPaywallHTML, "malformed X-PAYMENT header", accepts)
			return
		}

		requirements := selectRequirements(accepts, paymentPayload)
		if options.Bus != nil {
			options.Bus.Emit(eventbus.PaymentInitiated, paymentPayload)
		}

		verifyResp, err := options.FacilitatorClient.Verify(paymentPayload, &requirements)
		if err != nil {
			log.Error("x402: verify request failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": types.CurrentVersion,
			})
			return
		}
		if !verifyResp.IsValid {
			log.Debug("x402: payment rejected", "reason", verifyResp.InvalidReason)
			if options.Bus != nil {
				options.Bus.Emit(eventbus.PaymentFailed, verifyResp.InvalidReason)
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": types.CurrentVersion,
				"error":       verifyResp.InvalidReason,
			})
			return
		}
		if options.Bus != nil {
			options.Bus.Emit(eventbus.PaymentVerified, verifyResp)
		}

		if !options.SettleThenRespond {
			if options.OnPayment != nil {
				options.OnPayment(c, paymentPayload, nil)
			}
			c.Next()
			return
		}

		settleResp, err := options.FacilitatorClient.Settle(paymentPayload, &requirements)
		if err != nil {
			log.Error("x402: settle request failed", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": types.CurrentVersion,
				"error":       err.Error(),
			})
			return
		}
		if !settleResp.Success {
			log.Debug("x402: settlement failed", "reason", settleResp.Error)
			if options.Bus != nil {
				options.Bus.Emit(eventbus.PaymentFailed, settleResp.Error)
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": types.CurrentVersion,
				"error":       settleResp.Error,
			})
			return
		}

		settleHeader, err := types.EncodePaymentResponse(types.PaymentResponse{
			Success:      true,
			TxHash:       settleResp.TxHash,
			NetworkID:    settleResp.NetworkID,
			ActualAmount: settleResp.ActualAmount,
		})
		if err != nil {
			log.Error("x402: failed to encode settlement receipt", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": types.CurrentVersion,
			})
			return
		}
		if options.Bus != nil {
			options.Bus.Emit(eventbus.PaymentSettled, settleResp)
		}
		if options.OnPayment != nil {
			options.OnPayment(c, paymentPayload, settleResp)
		}

		c.Header("X-PAYMENT-RESPONSE", settleHeader)
		c.Next()
	}
}

// selectRequirements picks the requirement matching the payload's
// already-signed {scheme, network}, since that choice is fixed by the
// client and not renegotiable at this point; it falls back to the
// first advertised requirement if none match, letting the facilitator
// report the precise mismatch.
func selectRequirements(accepts []types.PaymentRequirements, payload *types.PaymentPayload) types.PaymentRequirements {
	for _, r := range accepts {
		if r.Scheme == payload.Scheme && r.Network == payload.Network {
			return r
		}
	}
	return accepts[0]
}

func respondPaymentRequired(c *gin.Context, isWebBrowser bool, customHTML, reason string, accepts []types.PaymentRequirements) {
	if isWebBrowser {
		html := customHTML
		if html == "" {
			html = defaultPaywallHTML
		}
		c.Abort()
		c.Data(http.StatusPaymentRequired, "text/html", []byte(html))
		return
	}

	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"x402Version": types.CurrentVersion,
		"accepts":     accepts,
		"error":       reason,
	})
}

const defaultPaywallHTML = "<html><body>Payment Required</body></html>"
