// Package id provides the identifiers used across pagedtopic.
//
// Two shapes are provided:
//
//   - ID is a 16-byte, lexicographically sortable value laid out as
//     [8 bytes unix ms][8 bytes sequence], big-endian. Byte order equals
//     creation order within one process, even across clock regression.
//   - Composite pairs a cluster member uuid with a member-local sequence
//     number. Publishers use it as their notifier id and subscribers as
//     their subscriber id, so two instances on the same member never
//     collide and an id always names the member that owns it.
//
// Usage
//
//	seq := id.NewSequence()
//	pub := id.NewComposite(memberID, seq.Next())
//	key := pub.String() // "<uuid>/<n>"
package id
