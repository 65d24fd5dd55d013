package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake/api/internal/workflow"
)

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBus(client, nil), mr
}

func changeEvent(workflowID, sectionID string, data map[string]any) workflow.ChangeEvent {
	return workflow.ChangeEvent{
		Kind:   workflow.ChangeUpdate,
		Record: workflow.FormResponse{ID: "resp_1", WorkflowID: workflowID, SectionID: sectionID, Data: data},
	}
}

func TestPublishDeliversToWorkflowSubscribers(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	received := make(chan workflow.ChangeEvent, 4)
	sub := bus.Subscription("wf_1", func(e workflow.ChangeEvent) { received <- e })
	require.NoError(t, sub.Open(ctx))
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, changeEvent("wf_other", "income", map[string]any{"salary": "1"})))
	require.NoError(t, bus.Publish(ctx, changeEvent("wf_1", "income", map[string]any{"salary": "50000"})))
	require.NoError(t, bus.Publish(ctx, changeEvent("wf_1", "goals", map[string]any{"horizon": "long"})))

	first := waitEvent(t, received)
	assert.Equal(t, "income", first.Record.SectionID)
	assert.Equal(t, "50000", first.Record.Data["salary"])
	assert.Equal(t, workflow.ChangeUpdate, first.Kind)

	second := waitEvent(t, received)
	assert.Equal(t, "goals", second.Record.SectionID)

	select {
	case e := <-received:
		t.Fatalf("unexpected event for %s", e.Record.WorkflowID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()

	received := make(chan workflow.ChangeEvent, 1)
	sub := bus.Subscription("wf_1", func(e workflow.ChangeEvent) { received <- e })
	require.NoError(t, sub.Open(ctx))
	require.NoError(t, sub.Open(ctx), "second open should be a no-op")

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	assert.Eventually(t, func() bool { return len(mr.PubSubChannels("")) == 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, changeEvent("wf_1", "income", nil)))

	select {
	case <-received:
		t.Fatal("closed subscription delivered an event")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case err := <-sub.Err():
		t.Fatalf("close reported an error: %v", err)
	default:
	}
}

func TestDroppedStreamReportsErrorAndReopens(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()

	received := make(chan workflow.ChangeEvent, 1)
	sub := bus.Subscription("wf_1", func(e workflow.ChangeEvent) { received <- e })
	require.NoError(t, sub.Open(ctx))

	mr.Close()
	select {
	case err := <-sub.Err():
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dropped stream was not reported")
	}

	require.NoError(t, mr.Restart())
	require.NoError(t, sub.Open(ctx))
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, changeEvent("wf_1", "income", map[string]any{"salary": "2"})))
	event := waitEvent(t, received)
	assert.Equal(t, "2", event.Record.Data["salary"])
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()

	received := make(chan workflow.ChangeEvent, 1)
	sub := bus.Subscription("wf_1", func(e workflow.ChangeEvent) { received <- e })
	require.NoError(t, sub.Open(ctx))
	defer sub.Close()

	mr.Publish(Channel("wf_1"), "{not json")
	require.NoError(t, bus.Publish(ctx, changeEvent("wf_1", "personal", map[string]any{"firstName": "Ada"})))

	event := waitEvent(t, received)
	assert.Equal(t, "personal", event.Record.SectionID)
}

func waitEvent(t *testing.T, ch <-chan workflow.ChangeEvent) workflow.ChangeEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return workflow.ChangeEvent{}
	}
}
