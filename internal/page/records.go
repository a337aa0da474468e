package page

import (
	json "github.com/goccy/go-json"
)

// TopicInfo is the per-topic record under InfoKey.
type TopicInfo struct {
	Name         string `json:"name"`
	ChannelCount int    `json:"channelCount"`
	Destroyed    bool   `json:"destroyed,omitempty"`
	CreatedMs    int64  `json:"createdMs"`
}

// Usage tracks a channel's tail and unconsumed bytes. It is only written by
// processors running on the channel's partition.
type Usage struct {
	Tail ID `json:"tail"`
	// Head is the lowest page that may still hold elements.
	Head  ID    `json:"head"`
	Bytes int64 `json:"bytes"`
	Count int64 `json:"count"`
	// Released is the highest position whose content was removed.
	Released  Position `json:"released"`
	Destroyed bool     `json:"destroyed,omitempty"`
}

// NewUsage returns the record of a channel with no tail yet.
func NewUsage() Usage {
	return Usage{Tail: None, Head: None, Released: NullPosition}
}

// Page is a page record under PageKey.
type Page struct {
	ID        ID    `json:"id"`
	Count     int32 `json:"count"`
	Bytes     int64 `json:"bytes"`
	Sealed    bool  `json:"sealed,omitempty"`
	CreatedMs int64 `json:"createdMs"`
}

// Last returns the position of the page's last element, or NullPosition if empty.
func (p Page) Last() Position {
	if p.Count == 0 {
		return NullPosition
	}
	return Position{Page: p.ID, Offset: p.Count - 1}
}

// Subscription is the (group, channel) commit record under SubscriptionKey.
type Subscription struct {
	Group             string   `json:"group"`
	Channel           int      `json:"channel"`
	Committed         Position `json:"committed"`
	Owner             string   `json:"owner,omitempty"`
	AllocationVersion int64    `json:"allocationVersion"`
}

// Notification is the value of a wakeup token.
type Notification struct {
	Notifier  string `json:"notifier"`
	Partition int    `json:"partition"`
	CreatedMs int64  `json:"createdMs"`
}

// Marshal encodes a record.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes a record.
func Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
