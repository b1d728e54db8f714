package rut

import (
	"strconv"
	"strings"
)

// unitWords maps Spanish number words below one thousand to their values.
// Accented and unaccented spellings are both present because ASR output is
// inconsistent about diacritics.
var unitWords = map[string]int{
	"cero":          0,
	"un":            1,
	"uno":           1,
	"una":           1,
	"dos":           2,
	"tres":          3,
	"cuatro":        4,
	"cinco":         5,
	"seis":          6,
	"siete":         7,
	"ocho":          8,
	"nueve":         9,
	"diez":          10,
	"once":          11,
	"doce":          12,
	"trece":         13,
	"catorce":       14,
	"quince":        15,
	"dieciseis":     16,
	"dieciséis":     16,
	"diecisiete":    17,
	"dieciocho":     18,
	"diecinueve":    19,
	"veinte":        20,
	"veintiuno":     21,
	"veintiun":      21,
	"veintiún":      21,
	"veintidos":     22,
	"veintidós":     22,
	"veintitres":    23,
	"veintitrés":    23,
	"veinticuatro":  24,
	"veinticinco":   25,
	"veintiseis":    26,
	"veintiséis":    26,
	"veintisiete":   27,
	"veintiocho":    28,
	"veintinueve":   29,
	"treinta":       30,
	"cuarenta":      40,
	"cincuenta":     50,
	"sesenta":       60,
	"setenta":       70,
	"ochenta":       80,
	"noventa":       90,
	"cien":          100,
	"ciento":        100,
	"doscientos":    200,
	"trescientos":   300,
	"cuatrocientos": 400,
	"quinientos":    500,
	"seiscientos":   600,
	"setecientos":   700,
	"ochocientos":   800,
	"novecientos":   900,
}

const (
	thousandWord = "mil"
	millionBase  = "millon"
)

// isMillionWord reports whether tok is millón/millon/millones.
func isMillionWord(tok string) bool {
	tok = strings.TrimSuffix(tok, "es")
	return tok == millionBase || tok == "millón"
}

// wordsToNumber composes a sequence of tokens into an integer using the
// Spanish multiplier grammar: "mil" multiplies the accumulated group by 1 000
// and "millones" by 1 000 000; "y" joins tens and units (treinta y cinco).
// Digit tokens below 1000 participate as literal group values, which covers
// mixed ASR output such as "14 millones 348 mil 258".
//
// ok is false when no numeric token was consumed.
func wordsToNumber(tokens []string) (value int, ok bool) {
	total, group := 0, 0
	consumed := false

	for _, tok := range tokens {
		switch {
		case tok == "y":
			// tens-units connector, no value of its own
		case tok == thousandWord:
			if group == 0 {
				group = 1
			}
			total += group * 1_000
			group = 0
			consumed = true
		case isMillionWord(tok):
			if group == 0 {
				group = 1
			}
			total += group * 1_000_000
			group = 0
			consumed = true
		default:
			if v, found := unitWords[tok]; found {
				group += v
				consumed = true
				continue
			}
			if isDigits(tok) && len(tok) <= 3 {
				v, _ := strconv.Atoi(tok)
				group += v
				consumed = true
			}
		}
	}
	return total + group, consumed
}

// positionalRun concatenates tokens into one number when every token is a
// single digit or a number word for 0–9. Dictation digit by digit is
// positional, never additive.
func positionalRun(tokens []string) (int, bool) {
	if len(tokens) == 0 {
		return 0, false
	}
	var sb strings.Builder
	for _, tok := range tokens {
		switch {
		case isDigits(tok) && len(tok) == 1:
			sb.WriteString(tok)
		default:
			v, found := unitWords[tok]
			if !found || v > 9 {
				return 0, false
			}
			sb.WriteByte(byte('0' + v))
		}
	}
	v, err := strconv.Atoi(sb.String())
	if err != nil {
		return 0, false
	}
	return v, true
}

// unitDigit returns the 0–9 value of a token when it is a single digit, a
// unit word, or the check-digit letter K. Used to read the token after a
// separator or check-digit cue.
func unitDigit(tok string) (string, bool) {
	if tok == "k" || tok == "ka" {
		return "K", true
	}
	if len(tok) == 1 && tok[0] >= '0' && tok[0] <= '9' {
		return tok, true
	}
	if v, found := unitWords[tok]; found && v <= 9 {
		return strconv.Itoa(v), true
	}
	return "", false
}

// NormalizeDigits rewrites every Spanish number-word group in text as decimal
// digits, leaving all other tokens in place. The RUT capture semantic filter
// uses this to count the digits a completed transcript amounts to.
func NormalizeDigits(text string) string {
	tokens := strings.Fields(normalizeSeparators(strings.ToLower(text)))
	var out []string
	var numRun []string

	flush := func() {
		if len(numRun) == 0 {
			return
		}
		if v, ok := wordsToNumber(numRun); ok {
			out = append(out, strconv.Itoa(v))
		} else {
			out = append(out, numRun...)
		}
		numRun = nil
	}

	for _, tok := range tokens {
		if isNumericToken(tok) {
			numRun = append(numRun, tok)
			continue
		}
		flush()
		out = append(out, tok)
	}
	flush()
	return strings.Join(out, " ")
}

// isNumericToken reports whether tok contributes to a spoken number.
func isNumericToken(tok string) bool {
	if tok == "y" || tok == thousandWord || isMillionWord(tok) {
		return true
	}
	if _, found := unitWords[tok]; found {
		return true
	}
	return isDigits(tok)
}

// isDigits reports whether tok is one or more ASCII digits.
func isDigits(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}
