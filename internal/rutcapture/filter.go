// Package rutcapture orchestrates the identification capture stage: it
// times partial transcript deltas, freezes capture on the first completed
// transcript, filters out text that cannot be an identification number, and
// invokes the validation webhook exactly once per call.
package rutcapture

import (
	"strings"
	"unicode"

	"github.com/altavoz-cl/altavoz/internal/rut"
)

// confusionPhrases are fragments that show the caller is answering a
// different question than "¿cuál es su RUT?". Any hit rejects the text.
var confusionPhrases = []string{
	"cuánto", "cuanto",
	"teléfono", "telefono",
	"dirección", "direccion",
	"fecha",
	"correo",
	"no sé", "no se",
	"no tengo",
}

// FilterReason explains a semantic filter rejection.
type FilterReason string

const (
	FilterOK              FilterReason = ""
	FilterTooShort        FilterReason = "too_short"
	FilterConfusionPhrase FilterReason = "confusion_phrase"
	FilterNoDigitRun      FilterReason = "no_digit_run"
	FilterDigitCount      FilterReason = "digit_count"
)

// SemanticFilter decides whether text can plausibly carry an identification
// number. It is a pure function; it never consults call state.
func SemanticFilter(text string) (bool, FilterReason) {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < 3 {
		return false, FilterTooShort
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range confusionPhrases {
		if strings.Contains(lower, phrase) {
			return false, FilterConfusionPhrase
		}
	}

	// A parse that yields an in-range body is enough; the webhook can
	// compute or ask for the check digit.
	if r := rut.Parse(trimmed); r.Body >= rut.MinBody && r.Body <= rut.MaxBody {
		return true, FilterOK
	}

	normalized := rut.NormalizeDigits(lower)
	if longestDigitRun(normalized) < 4 {
		return false, FilterNoDigitRun
	}
	total := digitCount(normalized)
	if total < 7 || total > 9 {
		return false, FilterDigitCount
	}
	return true, FilterOK
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func longestDigitRun(s string) int {
	best, run := 0, 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			if run++; run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}
