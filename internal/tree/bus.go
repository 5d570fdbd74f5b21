package tree

import "sync"

type Handler func(Event)

type subscription struct {
	kind Kind
	all  bool
	fn   Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
	ids  []int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe registers fn for events of one kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	return b.add(subscription{kind: kind, fn: fn})
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.add(subscription{all: true, fn: fn})
}

// On registers fn for every event of type T.
func On[T Event](b *Bus, fn func(T)) func() {
	return b.SubscribeAll(func(evt Event) {
		if typed, ok := evt.(T); ok {
			fn(typed)
		}
	})
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.ids))
	for _, id := range b.ids {
		sub := b.subs[id]
		if sub.all || sub.kind == evt.Kind() {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(evt)
	}
}

func (b *Bus) add(sub subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = sub
	b.ids = append(b.ids, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, candidate := range b.ids {
				if candidate == id {
					b.ids = append(b.ids[:i], b.ids[i+1:]...)
					break
				}
			}
		})
	}
}
