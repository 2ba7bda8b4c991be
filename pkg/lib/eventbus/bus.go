// Package eventbus 实现一个反射驱动的类型安全事件总线。
//
// 编排器用它广播 DcTemporaryKeyChanged 和 AllKeysDestroyed 这类内部事件，
// 让配置循环、持久化层和宿主应用可以在不引入直接依赖的情况下订阅。
package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("lib/eventbus")

var (
	// ErrInvalidEventType 表示传入的事件类型为 nil。
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrNonPointerType 表示 Subscribe/Emitter 的参数不是指针类型。
	ErrNonPointerType = errors.New("subscribe called with non-pointer type")
)

// Bus 是 interfaces.EventBus 的具体实现。
type Bus struct {
	mu    sync.RWMutex
	nodes map[reflect.Type]*node
}

type node struct {
	lk        sync.Mutex
	typ       reflect.Type
	sinks     []*Subscription
	nEmitters atomic.Int32
	keepLast  bool
	last      interface{}
	dropCount atomic.Int64
}

// New 创建一个空事件总线。
func New() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

// Subscribe 订阅 eventType 指向的事件类型（必须传入该类型的指针，如 (*FooEvent)(nil)）。
func (b *Bus) Subscribe(eventType interface{}, opts ...interfaces.SubscriptionOpt) (interfaces.Subscription, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	settings := &interfaces.SubscriptionSettings{Buffer: 16}
	for _, opt := range opts {
		opt(settings)
	}

	typ := reflect.TypeOf(eventType)
	if typ == nil {
		return nil, ErrInvalidEventType
	}
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	elemType := typ.Elem()

	sub := &Subscription{bus: b, typ: elemType, out: make(chan interface{}, settings.Buffer)}
	b.withNode(elemType, func(n *node) {
		n.sinks = append(n.sinks, sub)
		if n.keepLast && n.last != nil {
			select {
			case sub.out <- n.last:
			default:
			}
		}
	})
	return sub, nil
}

// Emitter 返回 eventType 指向的事件类型的发射器。
func (b *Bus) Emitter(eventType interface{}, opts ...interfaces.EmitterOpt) (interfaces.Emitter, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	settings := &interfaces.EmitterSettings{}
	for _, opt := range opts {
		opt(settings)
	}

	typ := reflect.TypeOf(eventType)
	if typ == nil {
		return nil, ErrInvalidEventType
	}
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	elemType := typ.Elem()

	var n *node
	b.withNode(elemType, func(found *node) {
		n = found
		n.nEmitters.Add(1)
		if settings.Stateful {
			n.keepLast = true
		}
	})
	return &Emitter{bus: b, node: n, typ: elemType}, nil
}

// GetAllEventTypes 返回当前有订阅者或发射器的所有事件类型的零值实例。
func (b *Bus) GetAllEventTypes() []interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]interface{}, 0, len(b.nodes))
	for typ := range b.nodes {
		types = append(types, reflect.Zero(typ).Interface())
	}
	return types
}

func (b *Bus) withNode(typ reflect.Type, cb func(*node)) {
	b.mu.Lock()
	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	n.lk.Lock()
	b.mu.Unlock()

	cb(n)
	n.lk.Unlock()
}

func (b *Bus) tryDropNode(typ reflect.Type) {
	b.mu.Lock()
	n, ok := b.nodes[typ]
	if !ok {
		b.mu.Unlock()
		return
	}
	n.lk.Lock()
	if len(n.sinks) > 0 || n.nEmitters.Load() > 0 {
		n.lk.Unlock()
		b.mu.Unlock()
		return
	}
	n.lk.Unlock()
	delete(b.nodes, typ)
	b.mu.Unlock()
}

func (b *Bus) removeSub(sub *Subscription) {
	b.mu.Lock()
	n, ok := b.nodes[sub.typ]
	if !ok {
		b.mu.Unlock()
		return
	}
	n.lk.Lock()
	b.mu.Unlock()

	for i, s := range n.sinks {
		if s == sub {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			break
		}
	}
	shouldDrop := len(n.sinks) == 0 && n.nEmitters.Load() == 0
	n.lk.Unlock()

	if shouldDrop {
		b.tryDropNode(sub.typ)
	}
}

func (n *node) emit(event interface{}) {
	n.lk.Lock()
	defer n.lk.Unlock()

	if n.keepLast {
		n.last = event
	}
	for _, sub := range n.sinks {
		select {
		case sub.out <- event:
		default:
			dropped := n.dropCount.Add(1)
			if dropped%100 == 1 {
				logger.Warn("slow eventbus consumer", "dropped", dropped, "type", n.typ)
			}
		}
	}
}
