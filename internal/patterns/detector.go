// Package patterns classifies raw text against attack-signature groups.
// The detector is stateless after construction and safe to share between
// goroutines.
package patterns

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Match is a single pattern hit.
type Match struct {
	PatternID  string     `json:"pattern_id"`
	AttackType AttackType `json:"attack_type"`
	Confidence float64    `json:"confidence"`
}

// Classification is the outcome of Detect.
type Classification struct {
	IsAttack          bool         `json:"is_attack"`
	AttackType        AttackType   `json:"attack_type,omitempty"`
	AllAttackTypes    []AttackType `json:"all_attack_types"`
	Confidence        float64      `json:"confidence"`
	MatchedPatternIDs []string     `json:"matched_pattern_ids"`
	Matches           []Match      `json:"matches"`
	MatchCount        int          `json:"match_count"`
	TextLength        int          `json:"text_length"`
}

// RiskScore boosts the confidence when several patterns matched: each
// additional match adds 10%, up to 1.5x, and the result is capped at 1.0.
func (c Classification) RiskScore() float64 {
	if !c.IsAttack {
		return 0
	}
	multiplier := math.Min(1.0+float64(c.MatchCount-1)*0.1, 1.5)
	return math.Min(c.Confidence*multiplier, 1.0)
}

// Detector holds the compiled pattern groups.
type Detector struct {
	groups []group
}

// New builds a detector from the built-in groups plus any extra patterns.
// Extra patterns are matched case-insensitively and reported as
// instruction_override.
func New(extra []string) (*Detector, error) {
	groups := make([]group, 0, len(builtinGroups)+1)
	groups = append(groups, builtinGroups...)

	if len(extra) > 0 {
		custom := group{attack: InstructionOverride, confidence: builtinGroups[0].confidence}
		for i, expr := range extra {
			if !strings.HasPrefix(expr, "(?i)") {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("blocked pattern %d: %w", i, err)
			}
			custom.patterns = append(custom.patterns, pattern{id: fmt.Sprintf("custom.%d", i), re: re})
		}
		groups = append(groups, custom)
	}
	return &Detector{groups: groups}, nil
}

// Default returns a detector with only the built-in groups.
func Default() *Detector {
	return &Detector{groups: builtinGroups}
}

// Detect classifies text. It never fails; empty input is not an attack.
func (d *Detector) Detect(text string) Classification {
	normalized := Normalize(text)
	c := Classification{
		AllAttackTypes:    []AttackType{},
		MatchedPatternIDs: []string{},
		Matches:           []Match{},
		TextLength:        len([]rune(text)),
	}

	for _, g := range d.groups {
		groupHit := false
		for _, p := range g.patterns {
			if !p.re.MatchString(normalized) {
				continue
			}
			groupHit = true
			c.Matches = append(c.Matches, Match{PatternID: p.id, AttackType: g.attack, Confidence: g.confidence})
			c.MatchedPatternIDs = append(c.MatchedPatternIDs, p.id)
		}
		if !groupHit {
			continue
		}
		if !containsType(c.AllAttackTypes, g.attack) {
			c.AllAttackTypes = append(c.AllAttackTypes, g.attack)
		}
		if g.confidence > c.Confidence {
			c.Confidence = g.confidence
		}
	}

	c.MatchCount = len(c.Matches)
	if c.MatchCount > 0 {
		c.IsAttack = true
		c.AttackType = c.AllAttackTypes[0]
	}
	return c
}

// RiskScore is Detect(text).RiskScore().
func (d *Detector) RiskScore(text string) float64 {
	return d.Detect(text).RiskScore()
}

// CheckInstructionOverride reports whether any instruction_override pattern matches.
func (d *Detector) CheckInstructionOverride(text string) bool {
	return d.matchesType(text, InstructionOverride)
}

// CheckJailbreak reports whether any jailbreak pattern matches.
func (d *Detector) CheckJailbreak(text string) bool {
	return d.matchesType(text, Jailbreak)
}

// CheckSystemPromptLeak reports whether any system_prompt_leak pattern matches.
func (d *Detector) CheckSystemPromptLeak(text string) bool {
	return d.matchesType(text, SystemPromptLeak)
}

func (d *Detector) matchesType(text string, t AttackType) bool {
	normalized := Normalize(text)
	for _, g := range d.groups {
		if g.attack != t {
			continue
		}
		for _, p := range g.patterns {
			if p.re.MatchString(normalized) {
				return true
			}
		}
	}
	return false
}

// Normalize folds compatibility forms (full-width letters, ligatures) with
// NFKC and drops invisible format characters such as zero-width spaces and
// bidi controls, which are otherwise used to split keywords.
func Normalize(text string) string {
	folded := norm.NFKC.String(text)
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, folded)
}

func containsType(types []AttackType, t AttackType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
