package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, data []byte) Event {
	t.Helper()
	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestPublishIsScopedToTopic(t *testing.T) {
	b := NewBroker()
	a, cancelA := b.Subscribe("session-a")
	defer cancelA()
	other, cancelB := b.Subscribe("session-b")
	defer cancelB()

	b.Publish("session-a", Event{Type: EventDevicesUpdated})

	require.Len(t, a, 1)
	assert.Equal(t, EventDevicesUpdated, decode(t, <-a).Type)
	assert.Len(t, other, 0)
}

func TestBroadcastReachesEveryTopic(t *testing.T) {
	b := NewBroker()
	a, cancelA := b.Subscribe("a")
	defer cancelA()
	c, cancelC := b.Subscribe("c")
	defer cancelC()

	b.Broadcast(Event{Type: EventProbeCompleted, DeviceID: 4})

	assert.Equal(t, int64(4), decode(t, <-a).DeviceID)
	assert.Equal(t, int64(4), decode(t, <-c).DeviceID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("slow")
	defer cancel()

	for i := 0; i < 20; i++ {
		b.Publish("slow", Event{Type: EventDashboardChanged})
	}
	assert.Len(t, ch, cap(ch))
}

func TestCleanupClosesAndForgets(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("t")
	assert.Equal(t, 1, b.Subscribers("t"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("t"))

	b.Publish("t", Event{Type: EventDiscoveryChanged})
}
