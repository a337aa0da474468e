// Package page holds the channel addressing model: page ids, positions,
// the store key layout and the records persisted under those keys.
package page

import (
	"fmt"
	"strconv"
)

// ID is a channel-scoped, strictly increasing page number.
type ID int64

// None marks the absence of a page.
const None ID = -1

// Position addresses one element within a channel.
type Position struct {
	Page   ID    `json:"page"`
	Offset int32 `json:"offset"`
}

// NullPosition sorts before every real position.
var NullPosition = Position{Page: None, Offset: -1}

// Pos builds a Position.
func Pos(p ID, offset int32) Position { return Position{Page: p, Offset: offset} }

// Compare orders positions by (page, offset).
func (p Position) Compare(o Position) int {
	switch {
	case p.Page < o.Page:
		return -1
	case p.Page > o.Page:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// Less reports p < o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

// IsNull reports whether p is NullPosition.
func (p Position) IsNull() bool { return p == NullPosition }

// Next returns the resume marker after p. It need not address a stored element.
func (p Position) Next() Position {
	if p.IsNull() {
		return Position{Page: 0, Offset: 0}
	}
	return Position{Page: p.Page, Offset: p.Offset + 1}
}

// Max returns the larger of a and b.
func Max(a, b Position) Position {
	if a.Less(b) {
		return b
	}
	return a
}

func (p Position) String() string {
	if p.IsNull() {
		return "null"
	}
	return strconv.FormatInt(int64(p.Page), 10) + ":" + strconv.FormatInt(int64(p.Offset), 10)
}

// ParsePosition parses the String form.
func ParsePosition(s string) (Position, error) {
	if s == "null" {
		return NullPosition, nil
	}
	var pg int64
	var off int32
	if _, err := fmt.Sscanf(s, "%d:%d", &pg, &off); err != nil {
		return Position{}, fmt.Errorf("page: bad position %q: %w", s, err)
	}
	return Position{Page: ID(pg), Offset: off}, nil
}
