// Package lease defines the LeaseRecord entity and the Store interface the
// local allocator relies on, and provides an embedded sqlite-backed
// implementation for standalone deployment.
package lease

import "time"

// Family discriminates the address family a LeaseRecord belongs to.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

func (f Family) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

func (f *Family) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"v6"`:
		*f = FamilyV6
	default:
		*f = FamilyV4
	}
	return nil
}

// State is a LeaseRecord's position in the transition DAG spec.md §3
// describes: Reserved -> Leased -> Released/Expired, or -> Probated.
type State int

const (
	StateReserved State = iota
	StateLeased
	StateProbated
	StateReleased
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateLeased:
		return "leased"
	case StateProbated:
		return "probated"
	case StateReleased:
		return "released"
	default:
		return "expired"
	}
}

// Active reports whether the state belongs to the Active set (Reserved ∪
// Leased), the only states an IP-index entry or client-index entry may
// point at.
func (s State) Active() bool {
	return s == StateReserved || s == StateLeased
}

// InfiniteLease is the sentinel far-future instant a zero-duration lease
// resolves to (spec.md §4.3's "durations of zero mean infinite").
var InfiniteLease = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// LeaseRecord is the central entity of the allocation engine.
type LeaseRecord struct {
	LeaseID           string
	Family            Family
	Subnet            string
	IP                string
	ClientKey         string
	State             State
	ExpiresAt         time.Time
	ProbationDeadline time.Time
	ServerID          string
	Revision          uint64
	UpdatedAt         time.Time
}

// Clone returns a value copy safe to hand to a caller without aliasing the
// store's internal state.
func (r *LeaseRecord) Clone() *LeaseRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
