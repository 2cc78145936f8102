package eventbus

import "testing"

func TestOnAfterVerifyFiresOnSuccessAndFailure(t *testing.T) {
	bus := New(0, nil)
	var seen []VerifyContext
	OnAfterVerify(bus, func(ctx VerifyContext) { seen = append(seen, ctx) })

	bus.Emit(PaymentVerified, VerifyContext{RequestID: "a", IsValid: true})
	bus.Emit(PaymentFailed, VerifyContext{RequestID: "b", IsValid: false, InvalidReason: "expired"})
	bus.Emit(PaymentFailed, SettleContext{RequestID: "c", Success: false})

	if len(seen) != 2 {
		t.Fatalf("expected 2 verify contexts observed, got %d", len(seen))
	}
	if seen[0].RequestID != "a" || seen[1].RequestID != "b" {
		t.Fatalf("unexpected contexts: %+v", seen)
	}
}

func TestOnAfterSettleIgnoresVerifyContexts(t *testing.T) {
	bus := New(0, nil)
	var seen []SettleContext
	OnAfterSettle(bus, func(ctx SettleContext) { seen = append(seen, ctx) })

	bus.Emit(PaymentFailed, VerifyContext{RequestID: "not-settle"})
	bus.Emit(PaymentSettled, SettleContext{RequestID: "s1", Success: true, TxHash: "0xabc"})

	if len(seen) != 1 || seen[0].RequestID != "s1" {
		t.Fatalf("expected exactly the settle context, got %+v", seen)
	}
}
