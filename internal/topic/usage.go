package topic

import (
	"fmt"

	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
)

// Status is the page-level outcome of an Offer.
type Status int

const (
	Accepted Status = iota + 1
	PageSealed
	TopicFull
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case PageSealed:
		return "page-sealed"
	case TopicFull:
		return "topic-full"
	default:
		return "unknown"
	}
}

// OfferResult reports how much of a batch a page took.
type OfferResult struct {
	Status     Status
	Accepted   int
	Page       page.ID
	BaseOffset int32
	Tail       page.ID
	// CapacityHint is the number of payload bytes the page can still take.
	CapacityHint int
}

func loadRecord(e *store.Entry, key []byte, v any) (bool, error) {
	b, ok, err := e.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := page.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func saveRecord(e *store.Entry, key []byte, v any) error {
	b, err := page.Marshal(v)
	if err != nil {
		return err
	}
	return e.Put(key, b)
}

// LoadUsage reads a channel's usage record within a processor.
func LoadUsage(e *store.Entry, topic string, ch int) (page.Usage, error) {
	u := page.NewUsage()
	_, err := loadRecord(e, page.UsageKey(topic, ch), &u)
	return u, err
}

// LoadPage reads a page record within a processor.
func LoadPage(e *store.Entry, topic string, ch int, id page.ID) (page.Page, bool, error) {
	var p page.Page
	ok, err := loadRecord(e, page.PageKey(topic, ch, id), &p)
	return p, ok, err
}

func createPage(e *store.Entry, topic string, ch int, id page.ID, nowMs int64) error {
	return saveRecord(e, page.PageKey(topic, ch, id), page.Page{ID: id, CreatedMs: nowMs})
}

// InitTail creates page 0 as the channel's tail if no tail exists yet.
// It returns the tail either way.
type InitTail struct {
	Topic   string
	Channel int
	NowMs   int64
}

func (p InitTail) Process(e *store.Entry) (any, error) {
	u, err := LoadUsage(e, p.Topic, p.Channel)
	if err != nil {
		return nil, err
	}
	if u.Destroyed {
		return nil, errs.Structural("init tail", errs.ErrTopicDestroyed)
	}
	if u.Tail != page.None {
		return u.Tail, nil
	}
	u.Tail, u.Head = 0, 0
	if err := createPage(e, p.Topic, p.Channel, 0, p.NowMs); err != nil {
		return nil, err
	}
	return u.Tail, saveRecord(e, page.UsageKey(p.Topic, p.Channel), u)
}

// AdvanceTail moves the tail to Beyond+1 unless it is already past Beyond,
// in which case it returns the current tail unchanged.
type AdvanceTail struct {
	Topic   string
	Channel int
	Beyond  page.ID
	NowMs   int64
}

func (p AdvanceTail) Process(e *store.Entry) (any, error) {
	u, err := LoadUsage(e, p.Topic, p.Channel)
	if err != nil {
		return nil, err
	}
	if u.Destroyed {
		return nil, errs.Structural("advance tail", errs.ErrTopicDestroyed)
	}
	if u.Tail > p.Beyond {
		return u.Tail, nil
	}
	if u.Tail != page.None {
		old, ok, err := LoadPage(e, p.Topic, p.Channel, u.Tail)
		if err != nil {
			return nil, err
		}
		if ok && !old.Sealed {
			old.Sealed = true
			if err := saveRecord(e, page.PageKey(p.Topic, p.Channel, old.ID), old); err != nil {
				return nil, err
			}
		}
	}
	u.Tail = p.Beyond + 1
	if u.Head == page.None {
		u.Head = u.Tail
	}
	if err := createPage(e, p.Topic, p.Channel, u.Tail, p.NowMs); err != nil {
		return nil, err
	}
	return u.Tail, saveRecord(e, page.UsageKey(p.Topic, p.Channel), u)
}

// Offer appends as many elements as fit to a page.
//
// A full channel (ChannelCapacity > 0) stops the batch with TopicFull and,
// when NotifyOnFull is set, leaves a notification key for Notifier whose
// removal signals freed space. A full page is sealed and reported as
// PageSealed. A page with no elements always takes one element.
type Offer struct {
	Topic           string
	Channel         int
	Page            page.ID
	Elements        [][]byte
	Notifier        string
	NotifyOnFull    bool
	PageCapacity    int
	ChannelCapacity int64
	NowMs           int64
}

func (o Offer) Process(e *store.Entry) (any, error) {
	u, err := LoadUsage(e, o.Topic, o.Channel)
	if err != nil {
		return nil, err
	}
	if u.Destroyed {
		return nil, errs.Structural("offer", errs.ErrTopicDestroyed)
	}
	res := OfferResult{Status: PageSealed, Page: o.Page, Tail: u.Tail}
	if u.Tail == page.None || o.Page < u.Tail {
		return res, nil
	}
	if o.Page > u.Tail {
		return nil, errs.Offer("offer", fmt.Errorf("page %d is beyond tail %d", o.Page, u.Tail))
	}
	pg, ok, err := LoadPage(e, o.Topic, o.Channel, o.Page)
	if err != nil {
		return nil, err
	}
	if !ok {
		pg = page.Page{ID: o.Page, CreatedMs: o.NowMs}
	}
	if pg.Sealed {
		return res, nil
	}

	res.Status = Accepted
	res.BaseOffset = pg.Count
	capacity := int64(o.PageCapacity)
	for _, el := range o.Elements {
		size := int64(len(el))
		if o.ChannelCapacity > 0 && u.Bytes+size > o.ChannelCapacity {
			res.Status = TopicFull
			if o.NotifyOnFull && o.Notifier != "" {
				n := page.Notification{Notifier: o.Notifier, Partition: e.Partition(), CreatedMs: o.NowMs}
				key := page.NotificationKey(o.Topic, o.Channel, e.Partition(), o.Notifier)
				if err := saveRecord(e, key, n); err != nil {
					return nil, err
				}
			}
			break
		}
		if pg.Count > 0 && pg.Bytes+size > capacity {
			pg.Sealed = true
			res.Status = PageSealed
			break
		}
		rec := page.EncodeElement(page.Element{PublishedMs: o.NowMs, Payload: el})
		if err := e.Put(page.ElementKey(o.Topic, o.Channel, page.Pos(o.Page, pg.Count)), rec); err != nil {
			return nil, err
		}
		pg.Count++
		pg.Bytes += size
		u.Bytes += size
		u.Count++
		res.Accepted++
	}
	if res.Status == Accepted && pg.Bytes >= capacity {
		pg.Sealed = true
		res.Status = PageSealed
	}
	if rem := capacity - pg.Bytes; rem > 0 {
		res.CapacityHint = int(rem)
	}

	if res.Accepted == 0 && res.Status != PageSealed {
		return res, nil
	}
	if err := saveRecord(e, page.PageKey(o.Topic, o.Channel, o.Page), pg); err != nil {
		return nil, err
	}
	if res.Accepted > 0 {
		if err := saveRecord(e, page.UsageKey(o.Topic, o.Channel), u); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ReleaseUpTo removes the channel's content at or below upTo, deletes page
// records that are fully consumed and no longer the tail, and, if any bytes
// were freed, removes the channel's notification keys so paused publishers
// wake. It must run inside a processor on the channel's partition.
func ReleaseUpTo(e *store.Entry, topic string, ch int, upTo page.Position) (int64, error) {
	if upTo.IsNull() {
		return 0, nil
	}
	u, err := LoadUsage(e, topic, ch)
	if err != nil || u.Destroyed {
		return 0, err
	}

	var (
		doomed [][]byte
		freed  int64
	)
	err = e.Scan(page.ElementPrefix(topic, ch), func(key, value []byte) error {
		ref, ok := page.ParseKey(key)
		if !ok {
			return nil
		}
		if upTo.Less(ref.Position()) {
			return store.ErrStopScan
		}
		doomed = append(doomed, append([]byte(nil), key...))
		freed += int64(page.PayloadSize(value))
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range doomed {
		if err := e.Remove(k); err != nil {
			return 0, err
		}
	}

	var pages []page.Page
	err = e.Scan(page.PagePrefix(topic, ch), func(_, value []byte) error {
		var p page.Page
		if err := page.Unmarshal(value, &p); err != nil {
			return err
		}
		if p.ID >= u.Tail || p.ID > upTo.Page {
			return store.ErrStopScan
		}
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range pages {
		if p.Count == 0 || !upTo.Less(p.Last()) {
			if err := e.Remove(page.PageKey(topic, ch, p.ID)); err != nil {
				return 0, err
			}
			if p.ID >= u.Head {
				u.Head = p.ID + 1
			}
		}
	}

	if len(doomed) == 0 && len(pages) == 0 {
		return 0, nil
	}
	u.Bytes -= freed
	u.Count -= int64(len(doomed))
	if u.Bytes < 0 {
		u.Bytes = 0
	}
	if u.Count < 0 {
		u.Count = 0
	}
	u.Released = page.Max(u.Released, upTo)
	if err := saveRecord(e, page.UsageKey(topic, ch), u); err != nil {
		return 0, err
	}
	if freed > 0 {
		if err := removeNotifications(e, topic, ch); err != nil {
			return 0, err
		}
	}
	return freed, nil
}

func removeNotifications(e *store.Entry, topic string, ch int) error {
	var keys [][]byte
	if err := e.Scan(page.NotificationPrefix(topic, ch), func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// DropNotification removes Notifier's wakeup token on a channel, if any.
type DropNotification struct {
	Topic    string
	Channel  int
	Notifier string
}

func (p DropNotification) Process(e *store.Entry) (any, error) {
	return nil, e.Remove(page.NotificationKey(p.Topic, p.Channel, e.Partition(), p.Notifier))
}

// destroyChannel drops every element, page and notification of a channel
// and marks its usage destroyed.
type destroyChannel struct {
	Topic   string
	Channel int
}

func (d destroyChannel) Process(e *store.Entry) (any, error) {
	u, err := LoadUsage(e, d.Topic, d.Channel)
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	collect := func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}
	for _, prefix := range [][]byte{
		page.ElementPrefix(d.Topic, d.Channel),
		page.PagePrefix(d.Topic, d.Channel),
		page.NotificationPrefix(d.Topic, d.Channel),
	} {
		if err := e.Scan(prefix, collect); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		if err := e.Remove(k); err != nil {
			return nil, err
		}
	}
	u.Destroyed = true
	u.Bytes, u.Count = 0, 0
	return len(keys), saveRecord(e, page.UsageKey(d.Topic, d.Channel), u)
}
