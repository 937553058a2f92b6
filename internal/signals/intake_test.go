package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/domain"
)

func TestIntake_RejectsUnknownAction(t *testing.T) {
	in := New(zerolog.Nop(), DefaultConfig(), nil)
	_, err := in.Accept(context.Background(), Payload{Action: "trim", Symbol: "MNQ"})
	require.Error(t, err)
}

func TestIntake_RejectsEntryMissingStopLoss(t *testing.T) {
	in := New(zerolog.Nop(), DefaultConfig(), nil)
	_, err := in.Accept(context.Background(), Payload{Action: "open-long", Symbol: "MNQ", Entry: 19000})
	require.Error(t, err)
}

func TestIntake_AcceptsValidEntrySignal(t *testing.T) {
	var received []domain.SignalEvent
	in := New(zerolog.Nop(), DefaultConfig(), func(ev domain.SignalEvent) {
		received = append(received, ev)
	})
	ok, err := in.Accept(context.Background(), Payload{Action: "open-long", Symbol: "MNQ", Entry: 19000, StopLoss: 18980})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, received, 1)
	require.Equal(t, domain.ActionOpenLong, received[0].Action)
}

func TestIntake_SecondSignalWithinDebounceWindowIsDropped(t *testing.T) {
	var count int
	in := New(zerolog.Nop(), Config{DebounceWindow: 300 * time.Second}, func(ev domain.SignalEvent) {
		count++
	})
	p := Payload{Action: "open-long", Symbol: "MNQ", Entry: 19000, StopLoss: 18980}

	ok, err := in.Accept(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = in.Accept(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok, "second signal within the debounce window must be dropped")
	require.Equal(t, 1, count)
}

func TestIntake_IgnoresNonEntrySignalsWhenPolicySet(t *testing.T) {
	var count int
	in := New(zerolog.Nop(), Config{DebounceWindow: time.Second, IgnoreNonEntrySignals: true}, func(ev domain.SignalEvent) {
		count++
	})
	ok, err := in.Accept(context.Background(), Payload{Action: "tp1-hit-long", Symbol: "MNQ"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, count)
}

func TestIntake_IgnoresTP1SignalsWhenPolicySetButAllowsOtherNonEntry(t *testing.T) {
	var count int
	in := New(zerolog.Nop(), Config{DebounceWindow: time.Second, IgnoreTP1Signals: true}, func(ev domain.SignalEvent) {
		count++
	})
	ok, err := in.Accept(context.Background(), Payload{Action: "tp1-hit-long", Symbol: "MNQ"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = in.Accept(context.Background(), Payload{Action: "stop-out-long", Symbol: "MNQ"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, count)
}
