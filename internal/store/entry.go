package store

import (
	"errors"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
)

// ErrStopScan ends a Scan early without error.
var ErrStopScan = pebblestore.ErrStopScan

// Processor runs atomically against one key's partition.
type Processor interface {
	Process(e *Entry) (any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(e *Entry) (any, error)

func (f ProcessorFunc) Process(e *Entry) (any, error) { return f(e) }

type mutation struct {
	key       []byte
	old       []byte
	hadOld    bool
	cur       []byte
	present   bool
	synthetic bool
}

// Entry is the processor's view of its target key and partition. Reads see
// the processor's own uncommitted writes. Other keys touched through Entry
// must belong to the same partition as the target key.
type Entry struct {
	key       []byte
	partition int
	batch     *pebble.Batch
	touched   map[string]*mutation
	order     []string
}

func newEntry(key []byte, partition int, batch *pebble.Batch) *Entry {
	return &Entry{key: key, partition: partition, batch: batch, touched: make(map[string]*mutation)}
}

// Key returns the target key.
func (e *Entry) Key() []byte { return e.key }

// Partition returns the partition the processor runs on.
func (e *Entry) Partition() int { return e.partition }

// Value returns the target key's current value.
func (e *Entry) Value() ([]byte, bool, error) { return e.Get(e.key) }

// Set writes the target key.
func (e *Entry) Set(v []byte) error { return e.Put(e.key, v) }

// Delete removes the target key.
func (e *Entry) Delete() error { return e.Remove(e.key) }

// Expire removes the target key and flags the removal as synthetic.
func (e *Entry) Expire() error { return e.ExpireKey(e.key) }

// ExpireKey removes key and flags the removal as synthetic.
func (e *Entry) ExpireKey(key []byte) error {
	if err := e.Remove(key); err != nil {
		return err
	}
	if m := e.touched[string(key)]; m != nil && !m.present {
		m.synthetic = true
	}
	return nil
}

// Get reads key within the processor's view.
func (e *Entry) Get(key []byte) ([]byte, bool, error) {
	if m, ok := e.touched[string(key)]; ok {
		return m.cur, m.present, nil
	}
	v, closer, err := e.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// Put writes key.
func (e *Entry) Put(key, value []byte) error {
	m, err := e.track(key)
	if err != nil {
		return err
	}
	if err := e.batch.Set(key, value, nil); err != nil {
		return err
	}
	m.cur, m.present, m.synthetic = append([]byte(nil), value...), true, false
	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (e *Entry) Remove(key []byte) error {
	m, err := e.track(key)
	if err != nil {
		return err
	}
	if !m.present {
		return nil
	}
	if err := e.batch.Delete(key, nil); err != nil {
		return err
	}
	m.cur, m.present = nil, false
	return nil
}

// Scan iterates keys under prefix within the processor's view, in order.
// fn must not write through the Entry.
func (e *Entry) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return pebblestore.ScanPrefix(e.batch, prefix, fn)
}

func (e *Entry) track(key []byte) (*mutation, error) {
	if m, ok := e.touched[string(key)]; ok {
		return m, nil
	}
	old, had, err := e.Get(key)
	if err != nil {
		return nil, err
	}
	m := &mutation{key: append([]byte(nil), key...), old: old, hadOld: had, cur: old, present: had}
	e.touched[string(key)] = m
	e.order = append(e.order, string(key))
	return m, nil
}

func (e *Entry) events() []Event {
	var out []Event
	for _, k := range e.order {
		m := e.touched[k]
		ev := Event{Key: m.key, Old: m.old, New: m.cur, Partition: e.partition}
		switch {
		case !m.hadOld && m.present:
			ev.Type = Inserted
		case m.hadOld && m.present:
			ev.Type = Updated
		case m.hadOld && !m.present:
			ev.Type = Removed
			ev.Synthetic = m.synthetic
		default:
			continue
		}
		out = append(out, ev)
	}
	return out
}
