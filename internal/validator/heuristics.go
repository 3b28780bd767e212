package validator

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Advisory only: keywords are reported but never penalised.
var suspiciousKeywordRe = regexp.MustCompile(`(?i)\b(admin|root|sudo|eval|exec|execute|password|token|secret|api_key|credentials)\b`)

// Heuristics summarises structural signals about the input.
type Heuristics struct {
	TextLength            int      `json:"text_length"`
	WordCount             int      `json:"word_count"`
	HasSuspiciousPatterns bool     `json:"has_suspicious_patterns"`
	SuspiciousReasons     []string `json:"suspicious_reasons"`
	SuspiciousKeywords    []string `json:"suspicious_keywords"`
}

func analyze(text string, th Thresholds) Heuristics {
	h := Heuristics{
		TextLength:         utf8.RuneCountInString(text),
		WordCount:          len(strings.Fields(text)),
		SuspiciousReasons:  []string{},
		SuspiciousKeywords: []string{},
	}

	if h.TextLength > th.MaxInputLength {
		h.SuspiciousReasons = append(h.SuspiciousReasons, "excessive_length")
	}

	if h.TextLength > 0 {
		special := 0
		for _, r := range text {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
				special++
			}
		}
		if float64(special)/float64(h.TextLength) > th.SpecialCharRatio {
			h.SuspiciousReasons = append(h.SuspiciousReasons, "excessive_special_chars")
		}
	}

	seen := make(map[string]bool)
	for _, kw := range suspiciousKeywordRe.FindAllString(text, -1) {
		kw = strings.ToLower(kw)
		if !seen[kw] {
			seen[kw] = true
			h.SuspiciousKeywords = append(h.SuspiciousKeywords, kw)
		}
	}

	h.HasSuspiciousPatterns = len(h.SuspiciousReasons) > 0
	return h
}
