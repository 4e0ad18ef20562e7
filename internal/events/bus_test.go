package events

import (
	"errors"
	"testing"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBus(nil)

	var got []CreditSynced
	b.OnCreditSynced(func(evt CreditSynced) { got = append(got, evt) })
	b.OnCreditSynced(func(evt CreditSynced) { got = append(got, evt) })

	b.PublishCreditSynced(CreditSynced{UserID: "u1", Balance: 10})

	if len(got) != 2 {
		t.Fatalf("handlers called %d times, want 2", len(got))
	}
	if got[0].UserID != "u1" || got[0].Balance != 10 {
		t.Errorf("event = %+v, want {u1 10}", got[0])
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	b := NewBus(nil)

	var called bool
	b.OnConnected(func(Connected) { panic("boom") })
	b.OnConnected(func(Connected) { called = true })

	b.PublishConnected(Connected{Endpoint: "ws://cloud"})

	if !called {
		t.Error("handler after a panicking one was not called")
	}
}

func TestBus_FatalCarriesError(t *testing.T) {
	b := NewBus(nil)

	var got error
	b.OnFatal(func(evt Fatal) { got = evt.Err })

	want := errors.New("retries exhausted")
	b.PublishFatal(Fatal{Err: want})

	if !errors.Is(got, want) {
		t.Errorf("Fatal err = %v, want %v", got, want)
	}
}

func TestBus_PublishWithNoSubscribers(t *testing.T) {
	b := NewBus(nil)
	// Must not panic or block.
	b.PublishConfigUpdated(ConfigUpdated{Keys: []string{"a"}})
	b.PublishServiceResponse(ServiceResponse{RequestID: "r1"})
}
