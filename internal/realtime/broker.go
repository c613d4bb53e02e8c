package realtime

import (
	"encoding/json"
	"sync"
)

// 推送给浏览器的事件类型。
const (
	EventDevicesUpdated    = "devices_updated"
	EventPreferencesLoaded = "preferences_loaded"
	EventDashboardChanged  = "dashboard_changed"
	EventDiscoveryChanged  = "discovery_changed"
	EventProbeCompleted    = "probe_completed"
)

// Event 描述 SSE 推送时的消息载荷。
type Event struct {
	Type     string `json:"type"`
	DeviceID int64  `json:"deviceId,omitempty"`
}

// Broker 按主题（会话 ID）向 SSE 订阅者分发事件。
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[chan []byte]struct{}
}

// NewBroker 创建一个新的 Broker 实例。
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[chan []byte]struct{})}
}

// Subscribe 订阅主题，返回消息通道与清理函数，清理函数可重复调用。
func (b *Broker) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[chan []byte]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], ch)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Publish 向单个主题的订阅者发送事件。
func (b *Broker) Publish(topic string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		send(ch, data)
	}
}

// Broadcast 向所有主题的订阅者发送事件。
func (b *Broker) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subs := range b.topics {
		for ch := range subs {
			send(ch, data)
		}
	}
}

// Subscribers 返回主题当前的订阅者数量。
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func send(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
		// 订阅者过慢时丢弃。
	}
}
