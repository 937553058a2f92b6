package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDispatchesToSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	var mu sync.Mutex
	var got *EntryFilledData
	done := make(chan struct{})

	b.Subscribe(EntryFilled, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = ev.Data.(*EntryFilledData)
		close(done)
	})

	b.Publish(&EntryFilledData{AccountID: "acct1", Symbol: "MNQ", Side: "buy", Size: 2, FillPrice: 18551.25})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, "MNQ", got.Symbol)
}

func TestBus_UnsubscribedTypeIsIgnored(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	// No subscribers registered; Publish must not block or panic.
	b.Publish(&BarClosedData{Symbol: "MNQ", TF: "1m", Close: 18500})
	time.Sleep(10 * time.Millisecond)
}

func TestBus_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	secondCalled := make(chan struct{})
	b.Subscribe(EntryFilled, func(Event) { panic("boom") })
	b.Subscribe(EntryFilled, func(Event) { close(secondCalled) })

	b.Publish(&EntryFilledData{Symbol: "MNQ"})

	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("second handler should still run after first panics")
	}
}
