package trust

import (
	"fmt"
	"strings"
)

// Level is the trust lattice. Values are ordered so that plain integer
// comparison gives QUARANTINED < UNTRUSTED < VERIFIED < TRUSTED. The zero
// value is Quarantined, so an uninitialised level never grants anything.
type Level int

const (
	Quarantined Level = iota
	Untrusted
	Verified
	Trusted
)

// Levels lists every level from lowest to highest.
var Levels = []Level{Quarantined, Untrusted, Verified, Trusted}

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case Quarantined:
		return "QUARANTINED"
	case Untrusted:
		return "UNTRUSTED"
	case Verified:
		return "VERIFIED"
	case Trusted:
		return "TRUSTED"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Quarantined && l <= Trusted
}

// AtLeast reports whether l is at or above min.
func (l Level) AtLeast(min Level) bool {
	return l >= min
}

// ParseLevel maps a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUARANTINED":
		return Quarantined, nil
	case "UNTRUSTED":
		return Untrusted, nil
	case "VERIFIED":
		return Verified, nil
	case "TRUSTED":
		return Trusted, nil
	default:
		return Quarantined, fmt.Errorf("unknown trust level %q", s)
	}
}

// ParseLevelOrQuarantine is the lenient form of ParseLevel used at
// boundaries that receive trust as free text. Anything unrecognised lands
// on the floor of the lattice.
func ParseLevelOrQuarantine(s string) Level {
	l, err := ParseLevel(s)
	if err != nil {
		return Quarantined
	}
	return l
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid trust level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Sensitivity classifies the data a tool or resource exposes.
type Sensitivity int

const (
	Public Sensitivity = iota
	Sensitive
	Critical
)

// String returns the lowercase sensitivity name.
func (s Sensitivity) String() string {
	switch s {
	case Public:
		return "public"
	case Sensitive:
		return "sensitive"
	case Critical:
		return "critical"
	default:
		return "unspecified"
	}
}

// CanAccess reports whether data at level l may touch resources of the
// given sensitivity.
func (l Level) CanAccess(s Sensitivity) bool {
	switch s {
	case Public:
		return l.Valid()
	case Sensitive:
		return l >= Verified
	case Critical:
		return l == Trusted
	default:
		return false
	}
}
