// Package topic implements the topic service: the per-topic record, the
// per-channel usage trackers that own the tail page, the offer exchange
// publishers append through, release of consumed content, and the
// remaining-message and rollback queries backed by the indices.
//
// All tail and usage mutation goes through store processors keyed on the
// channel's usage record, so one channel's exchanges are serialized by its
// partition worker. Tail initialization and advancement are additionally
// single-flighted per channel inside a process.
package topic
