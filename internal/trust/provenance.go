package trust

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	// ErrQuarantined is returned when an upgrade is attempted from the
	// QUARANTINED floor. Quarantine is one-way.
	ErrQuarantined = errors.New("trust: quarantined data cannot be upgraded")

	// ErrDowngrade is returned when UpgradeTrust is asked to move down the lattice.
	ErrDowngrade = errors.New("trust: upgrade target is below current level")
)

// Provenance records where a piece of data came from and which checks it
// has passed. Methods return modified copies; the receiver is never changed.
type Provenance struct {
	Source            string         `json:"source"`
	TrustLevel        Level          `json:"trust_level"`
	CreatedAt         time.Time      `json:"created_at"`
	UserID            string         `json:"user_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	ValidationsPassed []string       `json:"validations_passed"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// NewProvenance starts a provenance record at UNTRUSTED.
func NewProvenance(source, userID, sessionID string) Provenance {
	return Provenance{
		Source:            source,
		TrustLevel:        Untrusted,
		CreatedAt:         time.Now().UTC(),
		UserID:            userID,
		SessionID:         sessionID,
		ValidationsPassed: []string{},
	}
}

func (p Provenance) clone() Provenance {
	p.ValidationsPassed = slices.Clone(p.ValidationsPassed)
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// UpgradeTrust returns a copy raised to level, recording check as passed.
func (p Provenance) UpgradeTrust(level Level, check string) (Provenance, error) {
	if err := checkUpgrade(p.TrustLevel, level); err != nil {
		return p, err
	}
	next := p.clone()
	next.TrustLevel = level
	return next.Passed(check), nil
}

// Quarantine returns a copy at QUARANTINED with the reason recorded in metadata.
func (p Provenance) Quarantine(reason string) Provenance {
	next := p.clone()
	next.TrustLevel = Quarantined
	if next.Metadata == nil {
		next.Metadata = make(map[string]any, 1)
	}
	next.Metadata["quarantine_reason"] = reason
	return next
}

// Passed returns a copy with check appended to the passed list once.
func (p Provenance) Passed(check string) Provenance {
	next := p.clone()
	if check != "" && !slices.Contains(next.ValidationsPassed, check) {
		next.ValidationsPassed = append(next.ValidationsPassed, check)
	}
	return next
}

func checkUpgrade(from, to Level) error {
	if !to.Valid() {
		return fmt.Errorf("trust: invalid target level %d", int(to))
	}
	if from == Quarantined {
		return ErrQuarantined
	}
	if to < from {
		return fmt.Errorf("%w: %s -> %s", ErrDowngrade, from, to)
	}
	return nil
}
