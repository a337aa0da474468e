package store

import (
	"bytes"
	"sync"
)

// EventType classifies a committed mutation.
type EventType int

const (
	Inserted EventType = iota + 1
	Updated
	Removed
)

func (t EventType) String() string {
	switch t {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes one committed key change.
type Event struct {
	Type      EventType
	Key       []byte
	Old       []byte
	New       []byte
	Synthetic bool // removal caused by expiry rather than an explicit delete
	Partition int
}

// Listener receives committed events. It runs on the partition worker.
type Listener func(Event)

type listenerEntry struct {
	id     uint64
	prefix []byte
	fn     Listener
}

type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	items  []listenerEntry
}

func (l *listeners) add(prefix []byte, fn Listener) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listenerEntry{id: id, prefix: append([]byte(nil), prefix...), fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, it := range l.items {
				if it.id == id {
					l.items = append(l.items[:i:i], l.items[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	l.mu.RLock()
	items := l.items
	l.mu.RUnlock()
	for _, ev := range events {
		for _, it := range items {
			if bytes.HasPrefix(ev.Key, it.prefix) {
				it.fn(ev)
			}
		}
	}
}
