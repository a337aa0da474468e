// Package store is the keyed, partitioned store pagedtopic runs on.
//
// Keys carry a raw byte key and an association; the association decides the
// partition, so related keys (all keys of one channel, all keys of one
// subscriber group) land together. Each partition has a single worker
// goroutine which is the unit of order: processors submitted with Invoke run
// one at a time, in submission order, and see a consistent view of their
// partition. A processor's writes commit atomically in one Pebble batch, and
// the resulting change events are delivered to prefix listeners on the
// worker before the invocation future settles.
//
// Listeners run on partition workers. They may Invoke, but must never wait on
// the returned future.
package store
