package subscription

import (
	"errors"
	"sort"

	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
)

// ErrSubscriberNotFound is returned for operations on an unregistered
// subscriber.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Member is a subscriber's entry in its group.
type Member struct {
	ConnectedMs int64 `json:"connectedMs"`
	ConnSeq     int64 `json:"connSeq,omitempty"`
	Closed      bool  `json:"closed,omitempty"`
	// Owner is the cluster member hosting the subscriber.
	Owner string `json:"owner,omitempty"`
}

// Stamp returns the connection the member entry belongs to.
func (m Member) Stamp() Stamp { return Stamp{Ms: m.ConnectedMs, Seq: m.ConnSeq} }

// Stamp identifies one connection of a subscriber. Seq is drawn from the
// group's connection counter and orders connections made within the same
// millisecond.
type Stamp struct {
	Ms  int64
	Seq int64
}

// After reports whether s is a later connection than o.
func (s Stamp) After(o Stamp) bool {
	if s.Ms != o.Ms {
		return s.Ms > o.Ms
	}
	return s.Seq > o.Seq
}

// Group is a subscriber group record. Allocation[ch] is the subscriber
// owning channel ch, or "".
type Group struct {
	Name         string            `json:"name"`
	Filter       string            `json:"filter,omitempty"`
	ChannelCount int               `json:"channelCount"`
	Version      int64             `json:"version"`
	// Connections counts every Connect; it feeds Member.ConnSeq.
	Connections  int64             `json:"connections,omitempty"`
	Subscribers  map[string]Member `json:"subscribers"`
	Allocation   []string          `json:"allocation"`
}

// Live returns the ids of subscribers that are not closed.
func (g Group) Live() []string {
	ids := make([]string, 0, len(g.Subscribers))
	for id, m := range g.Subscribers {
		if !m.Closed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Owned returns the channels allocated to subscriber id.
func (g Group) Owned(id string) []int {
	var out []int
	for ch, owner := range g.Allocation {
		if owner == id {
			out = append(out, ch)
		}
	}
	return out
}

// SubscriberInfo is the heartbeat record of one subscriber. Its removal,
// explicit or by expiry, triggers cleanup.
type SubscriberInfo struct {
	ID              string `json:"id"`
	Group           string `json:"group"`
	OwnerMember     string `json:"ownerMember,omitempty"`
	ConnectedMs     int64  `json:"connectedMs"`
	ConnSeq         int64  `json:"connSeq,omitempty"`
	LastHeartbeatMs int64  `json:"lastHeartbeatMs"`
	TimeoutMs       int64  `json:"timeoutMs"`
}

// Stamp returns the connection the record was written for.
func (s SubscriberInfo) Stamp() Stamp { return Stamp{Ms: s.ConnectedMs, Seq: s.ConnSeq} }

// Expired reports whether the heartbeat is older than the timeout at nowMs.
func (s SubscriberInfo) Expired(nowMs int64) bool {
	return s.TimeoutMs > 0 && nowMs-s.LastHeartbeatMs > s.TimeoutMs
}

// CommitResult is the outcome of Commit.
type CommitResult int

const (
	Committed CommitResult = iota + 1
	AlreadyCommitted
	NotOwner
)

func (r CommitResult) String() string {
	switch r {
	case Committed:
		return "committed"
	case AlreadyCommitted:
		return "already-committed"
	case NotOwner:
		return "not-owner"
	default:
		return "unknown"
	}
}

// CloseResult is the outcome of CloseSubscriber.
type CloseResult int

const (
	// SubscriberClosed means the subscriber was marked closed.
	SubscriberClosed CloseResult = iota + 1
	// CloseStale means a newer connection superseded the removed record.
	CloseStale
	// CloseUnknown means the group has no such subscriber.
	CloseUnknown
	AlreadyClosed
)

func (r CloseResult) String() string {
	switch r {
	case SubscriberClosed:
		return "closed"
	case CloseStale:
		return "stale"
	case CloseUnknown:
		return "unknown-subscriber"
	case AlreadyClosed:
		return "already-closed"
	default:
		return "unknown"
	}
}

func load(e *store.Entry, key []byte, v any) (bool, error) {
	b, ok, err := e.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	return true, page.Unmarshal(b, v)
}

func save(e *store.Entry, key []byte, v any) error {
	b, err := page.Marshal(v)
	if err != nil {
		return err
	}
	return e.Put(key, b)
}
