package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/telemetry"
)

func collect(t *testing.T, ep *telemetry.EventPublisher, n int, filter telemetry.EventFilter) func() []telemetry.Event {
	t.Helper()
	ch := make(chan telemetry.Event, 16)
	ep.Subscribe(func(e telemetry.Event) { ch <- e }, filter)
	return func() []telemetry.Event {
		var out []telemetry.Event
		for len(out) < n {
			select {
			case e := <-ch:
				out = append(out, e)
			case <-time.After(2 * time.Second):
				t.Fatalf("received %d of %d events", len(out), n)
			}
		}
		return out
	}
}

func TestPublishTransitionTypes(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	require.NoError(t, err)

	wait := collect(t, ep, 3, nil)
	ctx := context.Background()
	ep.PublishTransition(ctx, "A", "planned", "contracts_locked", "lock", true, "")
	ep.PublishTransition(ctx, "A", "implementing", "parked", "park", true, "idle_timeout")
	ep.PublishTransition(ctx, "B", "planned", "review", "review", false, "no transition from planned to review")

	byType := make(map[string]telemetry.Event)
	for _, e := range wait() {
		byType[e.Type] = e
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	require.Contains(t, byType, telemetry.EventTypeTransitionAccepted)
	require.Contains(t, byType, telemetry.EventTypeUnitParked)
	require.Contains(t, byType, telemetry.EventTypeTransitionRejected)

	rejected := byType[telemetry.EventTypeTransitionRejected]
	assert.Equal(t, "B", rejected.UnitID)
	assert.Equal(t, telemetry.EventLevelWarning, rejected.Level)
	assert.Equal(t, "no transition from planned to review", rejected.Data["reason"])
	assert.Equal(t, "idle_timeout", byType[telemetry.EventTypeUnitParked].Data["reason"])
}

func TestAsyncPublisherDeliversAndShutsDown(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:      true,
		BufferSize:   8,
		MaxBatchSize: 1,
		EnableAsync:  true,
	})
	require.NoError(t, err)

	wait := collect(t, ep, 1, telemetry.FilterByUnitID("C"))
	require.NoError(t, ep.PublishPlanLoaded(3, 0, 2))
	ep.PublishTransition(context.Background(), "C", "review", "integrated", "integrate", true, "")

	events := wait()
	assert.Equal(t, "C", events[0].UnitID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))
}

func TestGlobalFilterDropsEvents(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	require.NoError(t, err)
	ep.AddFilter(telemetry.FilterByLevel(telemetry.EventLevelWarning))

	wait := collect(t, ep, 1, nil)
	ep.PublishTransition(context.Background(), "A", "planned", "contracts_locked", "lock", true, "")
	ep.PublishTransition(context.Background(), "A", "planned", "review", "review", false, "nope")

	events := wait()
	assert.Equal(t, telemetry.EventTypeTransitionRejected, events[0].Type)
}

func TestDisabledPublisherIsNoOp(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{})
	require.NoError(t, err)
	require.NoError(t, ep.PublishPlanLoaded(1, 0, 1))
	require.NoError(t, ep.Shutdown(context.Background()))
}
