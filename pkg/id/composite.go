package id

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence is a member-local discriminator source. The first value is 1.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a Sequence starting at zero.
func NewSequence() *Sequence { return &Sequence{} }

// Next returns the next discriminator.
func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// Composite identifies an instance by owning member and local discriminator.
type Composite struct {
	Member uuid.UUID
	Local  uint64
}

// NewComposite builds a Composite.
func NewComposite(member uuid.UUID, local uint64) Composite {
	return Composite{Member: member, Local: local}
}

// String renders "<member>/<local>". The form is stable and used in store keys.
func (c Composite) String() string {
	return c.Member.String() + "/" + strconv.FormatUint(c.Local, 10)
}

// IsZero reports whether c is the zero value.
func (c Composite) IsZero() bool { return c.Member == uuid.Nil && c.Local == 0 }

// ParseComposite parses the String form.
func ParseComposite(s string) (Composite, error) {
	member, local, ok := strings.Cut(s, "/")
	if !ok {
		return Composite{}, fmt.Errorf("id: malformed composite %q", s)
	}
	u, err := uuid.Parse(member)
	if err != nil {
		return Composite{}, fmt.Errorf("id: member of %q: %w", s, err)
	}
	n, err := strconv.ParseUint(local, 10, 64)
	if err != nil {
		return Composite{}, fmt.Errorf("id: local of %q: %w", s, err)
	}
	return Composite{Member: u, Local: n}, nil
}
