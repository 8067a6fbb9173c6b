// Package eventbus 提供按任务分组的事件推送通道。
// 发布方永不阻塞；每个订阅者有独立的有界队列，
// 队列溢出时丢弃最旧事件并插入 backpressure 标记。
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	EventStatus               EventType = "status"
	EventProgress             EventType = "progress"
	EventResynthesizeComplete EventType = "resynthesize_complete"
	EventRegenerateComplete   EventType = "regenerate_complete"
	EventError                EventType = "error"
	EventBackpressure         EventType = "backpressure"
)

// Envelope 推送给订阅者的事件信封
type Envelope struct {
	TaskID    string    `json:"task_id"`
	Type      EventType `json:"type"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// SnapshotFunc 在订阅时提供任务当前状态作为首个事件
type SnapshotFunc func(taskID string) (Envelope, bool)

// subscriber 单个订阅者：有界环形缓冲加投递泵
type subscriber struct {
	id     string
	taskID string

	mu     sync.Mutex
	buf    []Envelope
	cap    int
	notify chan struct{}
	done   chan struct{}
	out    chan Envelope
}

// push 入队事件，溢出时丢弃最旧事件并插入 backpressure 标记
func (sub *subscriber) push(env Envelope) {
	sub.mu.Lock()
	if len(sub.buf) >= sub.cap {
		sub.buf = sub.buf[1:]
		if len(sub.buf) == 0 || sub.buf[0].Type != EventBackpressure {
			marker := Envelope{
				TaskID:    env.TaskID,
				Type:      EventBackpressure,
				Timestamp: time.Now(),
			}
			if len(sub.buf) >= sub.cap {
				sub.buf = sub.buf[1:]
			}
			sub.buf = append([]Envelope{marker}, sub.buf...)
		}
	}
	sub.buf = append(sub.buf, env)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump 把缓冲中的事件依次投递到 out，直到取消订阅
func (sub *subscriber) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		var next *Envelope
		if len(sub.buf) > 0 {
			env := sub.buf[0]
			sub.buf = sub.buf[1:]
			next = &env
		}
		sub.mu.Unlock()

		if next == nil {
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}

		select {
		case sub.out <- *next:
		case <-sub.done:
			return
		}
	}
}

// Bus 按任务分流的事件总线
type Bus struct {
	mu       sync.Mutex
	capacity int
	nextSeq  int64
	subs     map[string]map[string]*subscriber // taskID -> subID -> sub

	// Snapshot 为可选的订阅即时快照来源
	Snapshot SnapshotFunc
}

// NewBus 创建事件总线，capacity 为每个订阅者的队列上限
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string]map[string]*subscriber),
	}
}

// Subscribe 订阅任务事件，返回事件通道与取消函数。
// 订阅者会先收到当前状态快照（如果总线配置了快照来源）。
func (b *Bus) Subscribe(taskID string) (<-chan Envelope, func()) {
	sub := &subscriber{
		id:     uuid.NewString(),
		taskID: taskID,
		cap:    b.capacity,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Envelope),
	}

	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[string]*subscriber)
	}
	b.subs[taskID][sub.id] = sub
	if b.Snapshot != nil {
		if env, ok := b.Snapshot(taskID); ok {
			b.nextSeq++
			env.Seq = b.nextSeq
			if env.Timestamp.IsZero() {
				env.Timestamp = time.Now()
			}
			sub.push(env)
		}
	}
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[taskID]; m != nil {
				delete(m, sub.id)
				if len(m) == 0 {
					delete(b.subs, taskID)
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

// Publish 向任务的所有订阅者投递事件，调用方永不阻塞
func (b *Bus) Publish(taskID string, eventType EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	env := Envelope{
		TaskID:    taskID,
		Type:      eventType,
		Seq:       b.nextSeq,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, sub := range b.subs[taskID] {
		sub.push(env)
	}
}

// SubscriberCount 返回任务当前的订阅者数量
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}
