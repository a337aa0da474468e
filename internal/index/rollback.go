package index

import (
	"sync"

	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
)

type groupRef struct {
	topic string
	group string
}

type groupPositions struct {
	mu        sync.Mutex
	dead      bool
	byChannel map[int]page.Position
}

// RollbackIndex maps (topic, group, channel) to the resume position, which
// is committed.Next(). Entries only move forward.
type RollbackIndex struct {
	groups sync.Map // groupRef -> *groupPositions
}

// NewRollbackIndex returns an empty index.
func NewRollbackIndex() *RollbackIndex { return &RollbackIndex{} }

// Put folds a committed position into the index.
func (r *RollbackIndex) Put(topic, group string, ch int, committed page.Position) {
	ref := groupRef{topic: topic, group: group}
	next := committed.Next()
	for {
		v, _ := r.groups.LoadOrStore(ref, &groupPositions{byChannel: make(map[int]page.Position)})
		gp := v.(*groupPositions)
		gp.mu.Lock()
		if gp.dead {
			gp.mu.Unlock()
			continue
		}
		if cur, ok := gp.byChannel[ch]; !ok || cur.Less(next) {
			gp.byChannel[ch] = next
		}
		gp.mu.Unlock()
		return
	}
}

// Remove drops one channel of a group, pruning the group when it empties.
func (r *RollbackIndex) Remove(topic, group string, ch int) {
	ref := groupRef{topic: topic, group: group}
	v, ok := r.groups.Load(ref)
	if !ok {
		return
	}
	gp := v.(*groupPositions)
	gp.mu.Lock()
	defer gp.mu.Unlock()
	delete(gp.byChannel, ch)
	if len(gp.byChannel) == 0 && !gp.dead {
		gp.dead = true
		r.groups.CompareAndDelete(ref, gp)
	}
}

// Get returns every channel of the group when channels is empty; otherwise
// the requested channels, with absent ones set to NullPosition.
func (r *RollbackIndex) Get(topic, group string, channels ...int) map[int]page.Position {
	out := make(map[int]page.Position)
	var gp *groupPositions
	if v, ok := r.groups.Load(groupRef{topic: topic, group: group}); ok {
		gp = v.(*groupPositions)
	}
	if gp == nil {
		for _, ch := range channels {
			out[ch] = page.NullPosition
		}
		return out
	}
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if len(channels) == 0 {
		for ch, p := range gp.byChannel {
			out[ch] = p
		}
		return out
	}
	for _, ch := range channels {
		if p, ok := gp.byChannel[ch]; ok {
			out[ch] = p
		} else {
			out[ch] = page.NullPosition
		}
	}
	return out
}

// OnEvent applies a committed subscription key change.
func (r *RollbackIndex) OnEvent(ev store.Event) {
	ref, ok := page.ParseKey(ev.Key)
	if !ok || ref.Kind != page.KindSubscription {
		return
	}
	if ev.Type == store.Removed {
		r.Remove(ref.Topic, ref.Group, ref.Channel)
		return
	}
	var sub page.Subscription
	if err := page.Unmarshal(ev.New, &sub); err != nil {
		return
	}
	r.Put(ref.Topic, ref.Group, ref.Channel, sub.Committed)
}

// Attach subscribes the index to subscription events of s.
func (r *RollbackIndex) Attach(s *store.Store) func() {
	return s.AddListener(page.RootSubscription, r.OnEvent)
}

// Rebuild discards the index and reloads it from committed subscriptions.
func (r *RollbackIndex) Rebuild(s Scanner) error {
	r.groups.Range(func(k, _ any) bool {
		r.groups.Delete(k)
		return true
	})
	return s.Scan(page.RootSubscription, func(key, value []byte) error {
		r.OnEvent(store.Event{Type: store.Inserted, Key: key, New: value})
		return nil
	})
}
