package index

import (
	"sync"

	"github.com/google/btree"

	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
)

type channelRef struct {
	topic   string
	channel int
}

type positionSet struct {
	mu   sync.Mutex
	tree *btree.BTreeG[page.Position]
}

// ContentIndex is a per-channel sorted set of live element positions.
type ContentIndex struct {
	sets sync.Map // channelRef -> *positionSet
}

// NewContentIndex returns an empty index.
func NewContentIndex() *ContentIndex { return &ContentIndex{} }

func (c *ContentIndex) set(topic string, ch int) *positionSet {
	ref := channelRef{topic: topic, channel: ch}
	if v, ok := c.sets.Load(ref); ok {
		return v.(*positionSet)
	}
	fresh := &positionSet{tree: btree.NewG[page.Position](32, page.Position.Less)}
	v, _ := c.sets.LoadOrStore(ref, fresh)
	return v.(*positionSet)
}

// Add records a live position.
func (c *ContentIndex) Add(topic string, ch int, p page.Position) {
	s := c.set(topic, ch)
	s.mu.Lock()
	s.tree.ReplaceOrInsert(p)
	s.mu.Unlock()
}

// Remove forgets a position.
func (c *ContentIndex) Remove(topic string, ch int, p page.Position) {
	v, ok := c.sets.Load(channelRef{topic: topic, channel: ch})
	if !ok {
		return
	}
	s := v.(*positionSet)
	s.mu.Lock()
	s.tree.Delete(p)
	s.mu.Unlock()
}

// CountFrom returns the number of live positions at or after p.
func (c *ContentIndex) CountFrom(topic string, ch int, p page.Position) int {
	v, ok := c.sets.Load(channelRef{topic: topic, channel: ch})
	if !ok {
		return 0
	}
	s := v.(*positionSet)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.tree.AscendGreaterOrEqual(p, func(page.Position) bool {
		n++
		return true
	})
	return n
}

// Count returns the number of live positions in a channel.
func (c *ContentIndex) Count(topic string, ch int) int {
	v, ok := c.sets.Load(channelRef{topic: topic, channel: ch})
	if !ok {
		return 0
	}
	s := v.(*positionSet)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// From returns up to max live positions at or after p, in order.
func (c *ContentIndex) From(topic string, ch int, p page.Position, max int) []page.Position {
	v, ok := c.sets.Load(channelRef{topic: topic, channel: ch})
	if !ok {
		return nil
	}
	s := v.(*positionSet)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []page.Position
	s.tree.AscendGreaterOrEqual(p, func(q page.Position) bool {
		if max > 0 && len(out) >= max {
			return false
		}
		out = append(out, q)
		return true
	})
	return out
}

// DropTopic forgets every channel of topic.
func (c *ContentIndex) DropTopic(topic string) {
	c.sets.Range(func(k, _ any) bool {
		if k.(channelRef).topic == topic {
			c.sets.Delete(k)
		}
		return true
	})
}

// OnEvent applies a committed element key change.
func (c *ContentIndex) OnEvent(ev store.Event) {
	ref, ok := page.ParseKey(ev.Key)
	if !ok || ref.Kind != page.KindElement {
		return
	}
	switch ev.Type {
	case store.Inserted:
		c.Add(ref.Topic, ref.Channel, ref.Position())
	case store.Removed:
		c.Remove(ref.Topic, ref.Channel, ref.Position())
	}
}

// Attach subscribes the index to element events of s.
func (c *ContentIndex) Attach(s *store.Store) func() {
	return s.AddListener(page.RootElement, c.OnEvent)
}

// Rebuild discards the index and reloads it from committed element keys.
func (c *ContentIndex) Rebuild(s Scanner) error {
	c.sets.Range(func(k, _ any) bool {
		c.sets.Delete(k)
		return true
	})
	return s.Scan(page.RootElement, func(key, _ []byte) error {
		if ref, ok := page.ParseKey(key); ok && ref.Kind == page.KindElement {
			c.Add(ref.Topic, ref.Channel, ref.Position())
		}
		return nil
	})
}
