// Package rut converts noisy Spanish ASR text into a Chilean national
// identifier (RUT) and validates it. The parser is pure: it performs no I/O
// and mutates nothing, so it can run on every completed transcript without
// coordination.
//
// A RUT is a 6–8 digit body plus a modulus-11 check digit in {0–9, K}.
// Callers speak it in wildly different shapes — "14.348.258-8",
// "catorce millones trescientos cuarenta y ocho mil doscientos cincuenta y
// ocho guión ocho", "1 4 3 4 8 2 5 8 raya 8" — and the parser must resolve
// all of them to the same value.
package rut

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Body bounds accepted by the parser. Anything shorter than six digits is
// noise, not an identifier.
const (
	MinBody = 100_000
	MaxBody = 99_999_999
)

// Parse failure reasons.
const (
	ReasonNoBody     = "no_body"
	ReasonOutOfRange = "body_out_of_range"
	ReasonMissingDV  = "missing_dv"
	ReasonDVMismatch = "dv_mismatch"
)

// Result is the outcome of [Parse]. Body and DV are populated whenever they
// could be recovered, even when OK is false, so the capture orchestrator can
// distinguish "heard a plausible body" from "heard nothing usable".
type Result struct {
	Body int    // recovered numeric body, 0 when absent
	DV   string // recovered check digit ("0"–"9" or "K"), "" when absent
	RUT  string // canonical "body-DV", set only when OK
	OK   bool

	// Reason explains a false OK. On dv_mismatch, ExpectedDV carries the
	// check digit the body actually requires, for confirmation prompts.
	Reason     string
	ExpectedDV string
}

// separatorWords are spoken forms of the body/check-digit separator. They are
// rewritten to "-" only when the next token could be a check digit, so a
// stray "menos" in ordinary speech does not fabricate a separator.
var separatorWords = map[string]bool{
	"guión": true,
	"guion": true,
	"raya":  true,
	"menos": true,
	"coma":  true,
}

// dvCueWords announce the check digit explicitly ("dígito verificador ocho").
var dvCueWords = map[string]bool{
	"verificador": true,
	"dv":          true,
}

// fillerWords are discarded during the slow path. They carry no numeric
// information but appear constantly in telephone speech.
var fillerWords = map[string]bool{
	"rut": true, "mi": true, "el": true, "es": true, "por": true,
	"favor": true, "numero": true, "número": true, "de": true, "la": true,
	"me": true, "se": true, "con": true, "digito": true, "dígito": true,
	"eh": true, "este": true, "si": true, "sí": true,
}

var (
	// fastRE matches a conventionally read RUT: 1-2 digits, two groups of
	// three (dot or space separated), a dash, and the check digit.
	fastRE = regexp.MustCompile(`\b(\d{1,2})[. ]?(\d{3})[. ]?(\d{3})\s*-\s*([0-9k])\b`)

	// contiguousRE matches a body read as one digit run followed by a dash
	// and the check digit.
	contiguousRE = regexp.MustCompile(`\b(\d{6,8})\s*-\s*([0-9k])\b`)

	punctRE = regexp.MustCompile(`[.,;:()¿?¡!]`)
	bodyRE  = regexp.MustCompile(`\b(\d{6,8})\b`)
)

// Normalize lowercases text, strips punctuation, rewrites spoken separator
// words to "-" when they precede a check-digit candidate, and collapses
// whitespace. It is exposed because the capture filter normalizes with the
// exact same rules.
func Normalize(text string) string {
	return normalizeSeparators(strings.ToLower(text))
}

func normalizeSeparators(lower string) string {
	lower = punctRE.ReplaceAllString(lower, " ")
	tokens := strings.Fields(lower)

	out := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		if separatorWords[tok] && i+1 < len(tokens) {
			if _, ok := unitDigit(tokens[i+1]); ok {
				out = append(out, "-")
				continue
			}
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// Parse extracts a RUT body and check digit from text.
func Parse(text string) Result {
	norm := Normalize(text)

	// Fast path: the caller read the number conventionally.
	if m := fastRE.FindStringSubmatch(norm); m != nil {
		body, _ := strconv.Atoi(m[1] + m[2] + m[3])
		return finish(body, strings.ToUpper(m[4]))
	}
	if m := contiguousRE.FindStringSubmatch(norm); m != nil {
		body, _ := strconv.Atoi(m[1])
		return finish(body, strings.ToUpper(m[2]))
	}

	// Slow path: compositional parse over tokens.
	bodyTokens, dv := splitBodyAndDV(strings.Fields(norm))
	body, found := parseBody(bodyTokens)
	if !found {
		return Result{Reason: ReasonNoBody}
	}
	return finish(body, dv)
}

// finish applies the range check and check-digit comparison.
func finish(body int, dv string) Result {
	if body < MinBody || body > MaxBody {
		return Result{Body: body, DV: dv, Reason: ReasonOutOfRange}
	}
	expected := ComputeDV(body)
	switch {
	case dv == "":
		return Result{Body: body, Reason: ReasonMissingDV, ExpectedDV: expected}
	case dv != expected:
		return Result{Body: body, DV: dv, Reason: ReasonDVMismatch, ExpectedDV: expected}
	default:
		return Result{Body: body, DV: dv, RUT: Format(body, dv), OK: true}
	}
}

// splitBodyAndDV partitions tokens into the body sequence and the check
// digit. The check digit is announced either by a "-" separator (already
// rewritten from guión/raya/menos/coma) or by an explicit cue word followed
// by a digit or K.
func splitBodyAndDV(tokens []string) (body []string, dv string) {
	cut := len(tokens)
	for i, tok := range tokens {
		next := ""
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		if tok == "-" || dvCueWords[tok] {
			if d, ok := unitDigit(next); ok {
				cut, dv = i, d
				break
			}
		}
	}

	for _, tok := range tokens[:cut] {
		if tok == "-" || fillerWords[tok] || dvCueWords[tok] {
			continue
		}
		body = append(body, tok)
	}
	return body, dv
}

// parseBody resolves the body token sequence to an integer. A single run of
// six or more consecutive digits short-circuits the compositional parse: the
// caller dictated the number digit-group by digit-group and the run is
// authoritative.
func parseBody(tokens []string) (int, bool) {
	for _, tok := range tokens {
		if isDigits(tok) && len(tok) >= 6 {
			v, err := strconv.Atoi(tok)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}

	var numeric []string
	for _, tok := range tokens {
		if isNumericToken(tok) {
			numeric = append(numeric, tok)
		}
	}
	if len(numeric) == 0 {
		return 0, false
	}

	// All-unit-digit runs ("1 4 3 4 8 2 5 8", "uno cuatro tres…") are
	// concatenated positionally; anything else goes through the multiplier
	// grammar.
	if v, ok := positionalRun(numeric); ok {
		return v, true
	}
	return wordsToNumber(numeric)
}

// ComputeDV returns the modulus-11 check digit for body: weights cycle
// 2,3,4,5,6,7 from the least significant digit; 11 maps to "0" and 10 to "K".
func ComputeDV(body int) string {
	sum, weight := 0, 2
	for body > 0 {
		sum += (body % 10) * weight
		body /= 10
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	switch mod := 11 - sum%11; mod {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.Itoa(mod)
	}
}

// Validate reports whether rut ("12.345.678-5", "12345678-5", or the bare
// digit run with trailing check digit) carries a correct check digit.
func Validate(rut string) bool {
	body, dv, ok := splitFormatted(rut)
	if !ok || body < MinBody || body > MaxBody {
		return false
	}
	return ComputeDV(body) == dv
}

// Format renders the canonical form "body-DV" with an uppercase check digit
// and no thousands separators.
func Format(body int, dv string) string {
	return fmt.Sprintf("%d-%s", body, strings.ToUpper(dv))
}

// HardExtract is the aggressive last-resort extraction used by the webhook
// path: it accepts a body without a spoken check digit by computing one, but
// refuses a body whose spoken check digit contradicts the computation.
func HardExtract(text string) (string, bool) {
	res := Parse(text)
	switch {
	case res.OK:
		return res.RUT, true
	case res.Reason == ReasonMissingDV:
		return Format(res.Body, res.ExpectedDV), true
	case res.Reason == ReasonDVMismatch:
		return "", false
	}

	// Nothing parseable in place: normalize spoken numbers to digits and look
	// for a plausible body run.
	if m := bodyRE.FindStringSubmatch(NormalizeDigits(text)); m != nil {
		body, _ := strconv.Atoi(m[1])
		if body >= MinBody && body <= MaxBody {
			return Format(body, ComputeDV(body)), true
		}
	}
	return "", false
}

// ParseDV extracts a lone check digit from spoken text: a single digit, a
// unit word, or the letter K in any of its spoken forms. Used when the body
// and the check digit are captured in separate utterances.
func ParseDV(text string) (string, bool) {
	for _, tok := range strings.Fields(Normalize(text)) {
		if tok == "-" || fillerWords[tok] || dvCueWords[tok] {
			continue
		}
		if d, ok := unitDigit(tok); ok {
			return d, true
		}
	}
	return "", false
}

// splitFormatted parses the formatted representations accepted by [Validate].
func splitFormatted(rut string) (body int, dv string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(rut))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, "", false
	}

	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		dv = s[i+1:]
		s = s[:i]
	} else {
		dv = s[len(s)-1:]
		s = s[:len(s)-1]
	}
	if len(dv) != 1 || (dv != "K" && !isDigits(dv)) {
		return 0, "", false
	}
	body, err := strconv.Atoi(s)
	if err != nil {
		return 0, "", false
	}
	return body, dv, true
}
