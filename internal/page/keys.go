package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

// Keyspace (byte-wise, lexicographically sortable):
//
//	pt/info/{topic}
//	pt/usage/{topic}/{ch_be4}
//	pt/page/{topic}/{ch_be4}/{page_be8}
//	pt/elem/{topic}/{ch_be4}/{page_be8}{off_be4}
//	pt/sub/{topic}/{ch_be4}/{group}
//	pt/notify/{topic}/{ch_be4}/{part_be4}{notifier}
//	pt/group/{topic}/{group}
//	pt/member/{topic}/{group}/{subscriber}
//
// Page ids are stored with the sign bit flipped so None sorts first.

// Kind identifies a key family.
type Kind int

const (
	KindUnknown Kind = iota
	KindInfo
	KindUsage
	KindPage
	KindElement
	KindSubscription
	KindNotification
	KindGroup
	KindMember
)

var (
	sep = byte('/')

	RootInfo         = []byte("pt/info/")
	RootUsage        = []byte("pt/usage/")
	RootPage         = []byte("pt/page/")
	RootElement      = []byte("pt/elem/")
	RootSubscription = []byte("pt/sub/")
	RootNotification = []byte("pt/notify/")
	RootGroup        = []byte("pt/group/")
	RootMember       = []byte("pt/member/")
)

// ErrBadName rejects topic and group names the key layout cannot carry.
var ErrBadName = errors.New("page: names must be non-empty and must not contain '/'")

// ValidName reports whether s may be used as a topic or group name.
func ValidName(s string) bool { return s != "" && !strings.ContainsRune(s, '/') }

func appendBE4(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendPage(dst []byte, id ID) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(id)^(1<<63))
}

func readPage(b []byte) ID { return ID(binary.BigEndian.Uint64(b) ^ (1 << 63)) }

func topicKey(root []byte, topic string, extra int) []byte {
	k := make([]byte, 0, len(root)+len(topic)+1+extra)
	k = append(k, root...)
	k = append(k, topic...)
	return append(k, sep)
}

func channelKey(root []byte, topic string, ch int, extra int) []byte {
	k := topicKey(root, topic, 5+extra)
	k = appendBE4(k, uint32(ch))
	return k
}

// InfoKey addresses the topic record.
func InfoKey(topic string) []byte {
	k := topicKey(RootInfo, topic, 0)
	return k[:len(k)-1]
}

// UsageKey addresses a channel's tail tracker.
func UsageKey(topic string, ch int) []byte { return channelKey(RootUsage, topic, ch, 0) }

// PageKey addresses a page record.
func PageKey(topic string, ch int, id ID) []byte {
	k := append(channelKey(RootPage, topic, ch, 9), sep)
	return appendPage(k, id)
}

// PagePrefix covers every page record of a channel.
func PagePrefix(topic string, ch int) []byte {
	return append(channelKey(RootPage, topic, ch, 1), sep)
}

// ElementKey addresses one stored element.
func ElementKey(topic string, ch int, p Position) []byte {
	k := append(channelKey(RootElement, topic, ch, 13), sep)
	k = appendPage(k, p.Page)
	return appendBE4(k, uint32(p.Offset))
}

// ElementPrefix covers every element of a channel.
func ElementPrefix(topic string, ch int) []byte {
	return append(channelKey(RootElement, topic, ch, 1), sep)
}

// ElementPagePrefix covers the elements of one page.
func ElementPagePrefix(topic string, ch int, id ID) []byte {
	return appendPage(ElementPrefix(topic, ch), id)
}

// SubscriptionKey addresses a (group, channel) commit record.
func SubscriptionKey(topic string, ch int, group string) []byte {
	k := append(channelKey(RootSubscription, topic, ch, 1+len(group)), sep)
	return append(k, group...)
}

// SubscriptionPrefix covers every group's commit record for a channel.
func SubscriptionPrefix(topic string, ch int) []byte {
	return append(channelKey(RootSubscription, topic, ch, 1), sep)
}

// NotificationKey addresses a publisher's wakeup token.
func NotificationKey(topic string, ch, partition int, notifier string) []byte {
	k := append(channelKey(RootNotification, topic, ch, 5+len(notifier)), sep)
	k = appendBE4(k, uint32(partition))
	return append(k, notifier...)
}

// NotificationPrefix covers every wakeup token of a channel.
func NotificationPrefix(topic string, ch int) []byte {
	return append(channelKey(RootNotification, topic, ch, 1), sep)
}

// NotificationTopicPrefix covers every wakeup token of a topic.
func NotificationTopicPrefix(topic string) []byte { return topicKey(RootNotification, topic, 0) }

// GroupKey addresses a subscriber group record.
func GroupKey(topic, group string) []byte {
	return append(topicKey(RootGroup, topic, len(group)), group...)
}

// GroupPrefix covers every group record of a topic.
func GroupPrefix(topic string) []byte { return topicKey(RootGroup, topic, 0) }

// MemberKey addresses a subscriber's heartbeat record.
func MemberKey(topic, group, subscriber string) []byte {
	k := append(topicKey(RootMember, topic, len(group)+1+len(subscriber)), group...)
	k = append(k, sep)
	return append(k, subscriber...)
}

// MemberPrefix covers every subscriber of a group.
func MemberPrefix(topic, group string) []byte {
	k := append(topicKey(RootMember, topic, len(group)+1), group...)
	return append(k, sep)
}

// ChannelAssoc is the partition association shared by all keys of a channel.
func ChannelAssoc(topic string, ch int) []byte {
	a := make([]byte, 0, len(topic)+6)
	a = append(a, 'c', ':')
	a = append(a, topic...)
	a = append(a, 0)
	return appendBE4(a, uint32(ch))
}

// GroupAssoc is the partition association shared by a group and its subscribers.
func GroupAssoc(topic, group string) []byte {
	a := make([]byte, 0, len(topic)+len(group)+3)
	a = append(a, 'g', ':')
	a = append(a, topic...)
	a = append(a, 0)
	return append(a, group...)
}

// TopicAssoc places the topic record.
func TopicAssoc(topic string) []byte { return append([]byte("t:"), topic...) }

// Ref is a parsed key.
type Ref struct {
	Kind       Kind
	Topic      string
	Channel    int
	Page       ID
	Offset     int32
	Group      string
	Subscriber string
	Partition  int
	Notifier   string
}

// Position returns the element position of an element key.
func (r Ref) Position() Position { return Position{Page: r.Page, Offset: r.Offset} }

// ParseKey decodes any key built by this package.
func ParseKey(raw []byte) (Ref, bool) {
	roots := []struct {
		root []byte
		kind Kind
	}{
		{RootElement, KindElement}, {RootSubscription, KindSubscription}, {RootMember, KindMember},
		{RootNotification, KindNotification}, {RootUsage, KindUsage}, {RootPage, KindPage},
		{RootGroup, KindGroup}, {RootInfo, KindInfo},
	}
	for _, r := range roots {
		if bytes.HasPrefix(raw, r.root) {
			return parseRest(r.kind, raw[len(r.root):])
		}
	}
	return Ref{}, false
}

func parseRest(kind Kind, rest []byte) (Ref, bool) {
	ref := Ref{Kind: kind, Page: None, Offset: -1}
	if kind == KindInfo {
		ref.Topic = string(rest)
		return ref, ref.Topic != ""
	}
	i := bytes.IndexByte(rest, sep)
	if i <= 0 {
		return Ref{}, false
	}
	ref.Topic, rest = string(rest[:i]), rest[i+1:]

	switch kind {
	case KindGroup:
		ref.Group = string(rest)
		return ref, ref.Group != ""
	case KindMember:
		j := bytes.IndexByte(rest, sep)
		if j <= 0 || j == len(rest)-1 {
			return Ref{}, false
		}
		ref.Group, ref.Subscriber = string(rest[:j]), string(rest[j+1:])
		return ref, true
	}

	if len(rest) < 4 {
		return Ref{}, false
	}
	ref.Channel = int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if kind == KindUsage {
		return ref, len(rest) == 0
	}
	if len(rest) < 1 || rest[0] != sep {
		return Ref{}, false
	}
	rest = rest[1:]

	switch kind {
	case KindPage:
		if len(rest) != 8 {
			return Ref{}, false
		}
		ref.Page = readPage(rest)
	case KindElement:
		if len(rest) != 12 {
			return Ref{}, false
		}
		ref.Page = readPage(rest)
		ref.Offset = int32(binary.BigEndian.Uint32(rest[8:]))
	case KindSubscription:
		ref.Group = string(rest)
		if ref.Group == "" {
			return Ref{}, false
		}
	case KindNotification:
		if len(rest) < 4 {
			return Ref{}, false
		}
		ref.Partition = int(binary.BigEndian.Uint32(rest))
		ref.Notifier = string(rest[4:])
	}
	return ref, true
}

// UsageTopicPrefix covers every usage record of a topic.
func UsageTopicPrefix(topic string) []byte { return topicKey(RootUsage, topic, 0) }

// MemberTopicPrefix covers every subscriber record of a topic.
func MemberTopicPrefix(topic string) []byte { return topicKey(RootMember, topic, 0) }
