package eventbus

// VerifyContext is the payload carried by verify-related events the
// facilitator HTTP surface emits around a /verify call.
type VerifyContext struct {
	RequestID     string
	Network       string
	Scheme        string
	IsValid       bool
	InvalidReason string
}

// SettleContext is the payload carried by settle-related events the
// facilitator HTTP surface emits around a /settle call.
type SettleContext struct {
	RequestID string
	Network   string
	Success   bool
	TxHash    string
	Error     string
}

// OnBeforeVerify subscribes fn to fire just before the facilitator
// runs its verify pipeline for a request. It is a filtered view over
// PaymentInitiated, matching only events carrying a VerifyContext —
// the same event type the client engine also emits before signing, so
// the filter keeps a settle-side OnBeforeSettle listener from firing
// on a verify-side event and vice versa.
func OnBeforeVerify(b *Bus, fn func(VerifyContext)) Unsubscribe {
	return b.On(PaymentInitiated, func(e Event) {
		if ctx, ok := e.Payload.(VerifyContext); ok {
			fn(ctx)
		}
	})
}

// OnAfterVerify subscribes fn to fire once the verify pipeline has
// produced a result, successful (PaymentVerified) or not
// (PaymentFailed carrying a VerifyContext).
func OnAfterVerify(b *Bus, fn func(VerifyContext)) Unsubscribe {
	unsubOK := b.On(PaymentVerified, func(e Event) {
		if ctx, ok := e.Payload.(VerifyContext); ok {
			fn(ctx)
		}
	})
	unsubFail := b.On(PaymentFailed, func(e Event) {
		if ctx, ok := e.Payload.(VerifyContext); ok {
			fn(ctx)
		}
	})
	return func() { unsubOK(); unsubFail() }
}

// OnBeforeSettle subscribes fn to fire just before the facilitator
// runs its settle pipeline for a request.
func OnBeforeSettle(b *Bus, fn func(SettleContext)) Unsubscribe {
	return b.On(PaymentInitiated, func(e Event) {
		if ctx, ok := e.Payload.(SettleContext); ok {
			fn(ctx)
		}
	})
}

// OnAfterSettle subscribes fn to fire once the settle pipeline has
// produced a result, successful (PaymentSettled) or not (PaymentFailed
// carrying a SettleContext).
func OnAfterSettle(b *Bus, fn func(SettleContext)) Unsubscribe {
	unsubOK := b.On(PaymentSettled, func(e Event) {
		if ctx, ok := e.Payload.(SettleContext); ok {
			fn(ctx)
		}
	})
	unsubFail := b.On(PaymentFailed, func(e Event) {
		if ctx, ok := e.Payload.(SettleContext); ok {
			fn(ctx)
		}
	})
	return func() { unsubOK(); unsubFail() }
}
