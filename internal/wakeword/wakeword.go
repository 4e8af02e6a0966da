// Package wakeword short-circuits the dialogue pipeline for wake phrases.
//
// When a final transcript turns out to be just a wake word ("hey echo"), the
// turn engine is skipped entirely: a cached acknowledgement clip for the
// current voice is played instead, and the acknowledgement text is appended
// to the dialogue as an assistant message. The [Detector] decides whether a
// transcript is a wake word; the [Cache] owns the per-voice clips and keeps
// them fresh in the background.
package wakeword

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// defaultPhoneticThreshold is the minimum Jaro-Winkler similarity required
// before a phonetic-code overlap counts as a match. ASR mangles short wake
// phrases often enough that exact comparison alone misses real wakes.
const defaultPhoneticThreshold = 0.85

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithPhoneticThreshold overrides the Jaro-Winkler floor for phonetic
// matches. Values outside (0, 1] are ignored.
func WithPhoneticThreshold(threshold float64) DetectorOption {
	return func(d *Detector) {
		if threshold > 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

// Detector matches transcripts against a configured wake-word list.
// Read-only after construction, safe for concurrent use.
type Detector struct {
	words     []string
	codes     []map[string]struct{}
	threshold float64
}

// NewDetector builds a Detector for the given wake words. Phonetic codes are
// precomputed once; an empty list yields a detector that never matches.
func NewDetector(words []string, opts ...DetectorOption) *Detector {
	d := &Detector{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(d)
	}
	for _, w := range words {
		normalized := normalize(w)
		if normalized == "" {
			continue
		}
		d.words = append(d.words, normalized)
		d.codes = append(d.codes, phoneticCodes(normalized))
	}
	return d
}

// Match reports whether text, stripped of punctuation and case, is a wake
// word. Exact matches win immediately; otherwise a phrase matches when its
// Double Metaphone codes overlap a wake word's and the Jaro-Winkler
// similarity clears the threshold.
func (d *Detector) Match(text string) bool {
	input := normalize(text)
	if input == "" {
		return false
	}

	for _, w := range d.words {
		if input == w {
			return true
		}
	}

	inputCodes := phoneticCodes(input)
	for i, w := range d.words {
		if !codesOverlap(inputCodes, d.codes[i]) {
			continue
		}
		if matchr.JaroWinkler(input, w, false) >= d.threshold {
			return true
		}
	}
	return false
}

// normalize lowercases text and drops punctuation and symbols, collapsing
// the remainder to single-space-separated words.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// phoneticCodes returns the union of Double Metaphone codes over the words
// of a phrase. Codes can be empty for very short or vowel-only words.
func phoneticCodes(phrase string) map[string]struct{} {
	codes := make(map[string]struct{}, 4)
	for _, w := range strings.Fields(phrase) {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
