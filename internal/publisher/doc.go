// Package publisher appends elements to a paged topic.
//
// A Publisher owns one ChannelPublisher per channel. Each channel buffers
// published elements in a batch queue and drains it with a single goroutine:
// it resolves the tail page, offers a batch to it, advances the tail when
// the page is sealed, and pauses when the channel is full until the wakeup
// token it left in the store is removed. Within a channel, positions follow
// submission order.
package publisher
