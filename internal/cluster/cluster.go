// Package cluster models membership and partition ownership for a
// pagedtopic process. Local is an in-process view: members join and leave,
// partitions are owned by members, and departures redistribute partitions to
// the survivors. Events are delivered synchronously to listeners.
package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a membership or partition event.
type EventType int

const (
	MemberJoined EventType = iota + 1
	MemberLeft
	// PartitionsReceived fires when a transfer of partitions to Member commits.
	PartitionsReceived
	// PartitionsRecovered fires when orphaned partitions are restored on NewOwner.
	PartitionsRecovered
)

func (t EventType) String() string {
	switch t {
	case MemberJoined:
		return "member-joined"
	case MemberLeft:
		return "member-left"
	case PartitionsReceived:
		return "partitions-received"
	case PartitionsRecovered:
		return "partitions-recovered"
	default:
		return "unknown"
	}
}

// Member is one cluster participant.
type Member struct {
	ID       uuid.UUID
	Name     string
	JoinedAt time.Time
}

// Event is delivered to listeners.
type Event struct {
	Type       EventType
	Member     Member
	Partitions []int
	NewOwner   uuid.UUID
}

// Listener receives cluster events.
type Listener func(Event)

// Local is a single-process cluster view.
type Local struct {
	mu        sync.Mutex
	self      Member
	members   map[uuid.UUID]Member
	owners    []uuid.UUID
	listeners map[int]Listener
	nextID    int
}

// NewLocal creates a cluster whose only member is the local one and which
// owns every partition.
func NewLocal(partitions int, name string) *Local {
	self := Member{ID: uuid.New(), Name: name, JoinedAt: time.Now()}
	owners := make([]uuid.UUID, partitions)
	for i := range owners {
		owners[i] = self.ID
	}
	return &Local{
		self:      self,
		members:   map[uuid.UUID]Member{self.ID: self},
		owners:    owners,
		listeners: make(map[int]Listener),
	}
}

// Self returns the local member.
func (c *Local) Self() Member { return c.self }

// Members returns the current members sorted by id.
func (c *Local) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// IsMember reports whether id is currently in the cluster.
func (c *Local) IsMember(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

// Owner returns the member owning partition p.
func (c *Local) Owner(p int) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[p]
}

// OwnedBy returns the partitions owned by id.
func (c *Local) OwnedBy(id uuid.UUID) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for p, o := range c.owners {
		if o == id {
			out = append(out, p)
		}
	}
	return out
}

// AddListener registers fn; the returned func removes it.
func (c *Local) AddListener(fn Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Join adds a member.
func (c *Local) Join(name string) Member {
	m := Member{ID: uuid.New(), Name: name, JoinedAt: time.Now()}
	c.mu.Lock()
	c.members[m.ID] = m
	c.mu.Unlock()
	c.emit(Event{Type: MemberJoined, Member: m})
	return m
}

// Leave removes a member. Its partitions are recovered round-robin on the
// remaining members; MemberLeft is emitted before the recovery events.
func (c *Local) Leave(id uuid.UUID) {
	c.mu.Lock()
	m, ok := c.members[id]
	if !ok || id == c.self.ID {
		c.mu.Unlock()
		return
	}
	delete(c.members, id)
	survivors := make([]uuid.UUID, 0, len(c.members))
	for mid := range c.members {
		survivors = append(survivors, mid)
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].String() < survivors[j].String() })
	recovered := make(map[uuid.UUID][]int)
	n := 0
	for p, o := range c.owners {
		if o != id {
			continue
		}
		owner := survivors[n%len(survivors)]
		n++
		c.owners[p] = owner
		recovered[owner] = append(recovered[owner], p)
	}
	c.mu.Unlock()

	c.emit(Event{Type: MemberLeft, Member: m})
	for _, owner := range survivors {
		if parts := recovered[owner]; len(parts) > 0 {
			c.emit(Event{Type: PartitionsRecovered, Member: m, Partitions: parts, NewOwner: owner})
		}
	}
}

// Transfer moves partitions to member to and emits PartitionsReceived.
func (c *Local) Transfer(partitions []int, to uuid.UUID) {
	c.mu.Lock()
	m, ok := c.members[to]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, p := range partitions {
		c.owners[p] = to
	}
	c.mu.Unlock()
	c.emit(Event{Type: PartitionsReceived, Member: m, Partitions: append([]int(nil), partitions...), NewOwner: to})
}

func (c *Local) emit(ev Event) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
