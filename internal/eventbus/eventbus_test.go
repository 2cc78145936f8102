package eventbus

import (
	"sync/atomic"
	"testing"
)

func TestOnReceivesOnlyMatchingEventType(t *testing.T) {
	bus := New(10, nil)
	var verified, settled int32

	bus.On(PaymentVerified, func(e Event) { atomic.AddInt32(&verified, 1) })
	bus.On(PaymentSettled, func(e Event) { atomic.AddInt32(&settled, 1) })

	bus.Emit(PaymentVerified, "ok")
	bus.Emit(PaymentVerified, "ok")
	bus.Emit(PaymentSettled, "ok")

	if verified != 2 {
		t.Fatalf("verified = %d, want 2", verified)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}
}

func TestOnAllReceivesEveryEvent(t *testing.T) {
	bus := New(10, nil)
	var count int32
	bus.OnAll(func(e Event) { atomic.AddInt32(&count, 1) })

	bus.Emit(PaymentInitiated, nil)
	bus.Emit(PaymentSigned, nil)
	bus.Emit(PaymentFailed, nil)

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(10, nil)
	var count int32
	unsubscribe := bus.On(PaymentSettled, func(e Event) { atomic.AddInt32(&count, 1) })

	bus.Emit(PaymentSettled, nil)
	unsubscribe()
	bus.Emit(PaymentSettled, nil)

	if count != 1 {
		t.Fatalf("count = %d, want 1 (after unsubscribe)", count)
	}
}

func TestListenerPanicDoesNotAbortEmit(t *testing.T) {
	bus := New(10, nil)
	var ranAfter bool

	bus.On(PaymentFailed, func(e Event) { panic("boom") })
	bus.On(PaymentFailed, func(e Event) { ranAfter = true })

	bus.Emit(PaymentFailed, nil)

	if !ranAfter {
		t.Fatal("expected the second listener to run despite the first panicking")
	}
}

func TestHistoryReturnsEventsInOrderUpToCapacity(t *testing.T) {
	bus := New(3, nil)

	bus.Emit(PaymentInitiated, 1)
	bus.Emit(PaymentSigned, 2)
	bus.Emit(PaymentVerified, 3)
	bus.Emit(PaymentSettled, 4) // evicts PaymentInitiated

	history := bus.History()
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Type != PaymentSigned || history[2].Type != PaymentSettled {
		t.Fatalf("unexpected history order: %+v", history)
	}
}

func TestHistoryBeforeRingFills(t *testing.T) {
	bus := New(5, nil)
	bus.Emit(PaymentInitiated, nil)
	bus.Emit(PaymentSigned, nil)

	history := bus.History()
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
}
