package bus_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinypacs/tinypacs/internal/bus"
)

func TestBroadcastOrdersByPriorityThenSubscriptionOrder(t *testing.T) {
	b := bus.New()
	var order []string

	b.Subscribe("c", 50, func(args ...any) (any, error) {
		order = append(order, "a-50")
		return nil, nil
	})
	b.Subscribe("c", 10, func(args ...any) (any, error) {
		order = append(order, "b-10")
		return nil, nil
	})
	b.Subscribe("c", 50, func(args ...any) (any, error) {
		order = append(order, "c-50")
		return nil, nil
	})

	_, err := b.Broadcast("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b-10", "a-50", "c-50"}, order)
}

func TestBroadcastStopsOnFirstError(t *testing.T) {
	b := bus.New()
	var ran []string

	b.Subscribe("c", 10, func(args ...any) (any, error) {
		ran = append(ran, "first")
		return nil, errors.New("boom")
	})
	b.Subscribe("c", 20, func(args ...any) (any, error) {
		ran = append(ran, "second")
		return nil, nil
	})

	_, err := b.Broadcast("c")
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, ran)
}

func TestBroadcastNoThrowRunsEveryHandler(t *testing.T) {
	b := bus.New()
	b.Subscribe("c", 10, func(args ...any) (any, error) {
		return nil, errors.New("boom")
	})
	b.Subscribe("c", 20, func(args ...any) (any, error) {
		return "ok", nil
	})

	results := b.BroadcastNoThrow("c")
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "ok", results[1].Value)
}

func TestSendOneReturnsLowestPriorityHandler(t *testing.T) {
	b := bus.New()
	b.Subscribe("c", 50, func(args ...any) (any, error) { return "slow", nil })
	b.Subscribe("c", 10, func(args ...any) (any, error) { return "fast", nil })

	v, err := b.SendOne("c")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestSendOneNoListeners(t *testing.T) {
	b := bus.New()
	_, err := b.SendOne("missing")
	require.Error(t, err)
	var nle *bus.NoListenersError
	assert.ErrorAs(t, err, &nle)
}

func TestSendAnyReturnsFirstNonNil(t *testing.T) {
	b := bus.New()
	b.Subscribe("c", 10, func(args ...any) (any, error) { return nil, nil })
	b.Subscribe("c", 20, func(args ...any) (any, error) { return "found", nil })

	v, err := b.SendAny("c")
	require.NoError(t, err)
	assert.Equal(t, "found", v)
}

func TestSendAnyAllNilReturnsNil(t *testing.T) {
	b := bus.New()
	b.Subscribe("c", 10, func(args ...any) (any, error) { return nil, nil })

	v, err := b.SendAny("c")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBroadcastRecoversHandlerPanic(t *testing.T) {
	b := bus.New()
	var ran []string

	b.Subscribe("c", 10, func(args ...any) (any, error) {
		ran = append(ran, "first")
		panic("boom")
	})
	b.Subscribe("c", 20, func(args ...any) (any, error) {
		ran = append(ran, "second")
		return nil, nil
	})

	_, err := b.Broadcast("c")
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, ran)
}

func TestBroadcastNoThrowRecoversHandlerPanic(t *testing.T) {
	b := bus.New()
	b.Subscribe("c", 10, func(args ...any) (any, error) {
		panic("boom")
	})
	b.Subscribe("c", 20, func(args ...any) (any, error) {
		return "ok", nil
	})

	results := b.BroadcastNoThrow("c")
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "ok", results[1].Value)
}
