package rutcapture

import "testing"

func TestSemanticFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		wantOK bool
		reason FilterReason
	}{
		{"formatted rut", "14.348.258-8", true, FilterOK},
		{"spoken rut", "catorce millones trescientos cuarenta y ocho mil doscientos cincuenta y ocho guión ocho", true, FilterOK},
		{"digit run", "mi rut es 14348258", true, FilterOK},
		{"six-digit body", "es el 123456-0", true, FilterOK},
		{"digit by digit words", "uno cuatro tres cuatro ocho dos cinco ocho guión ocho", true, FilterOK},
		{"too short", "sí", false, FilterTooShort},
		{"phone confusion", "mi teléfono es 912345678", false, FilterConfusionPhrase},
		{"price confusion", "cuánto cuesta la consulta", false, FilterConfusionPhrase},
		{"date confusion", "la fecha es el quince de marzo", false, FilterConfusionPhrase},
		{"address confusion", "mi dirección es avenida providencia", false, FilterConfusionPhrase},
		{"no digits", "quiero hablar con alguien por favor", false, FilterNoDigitRun},
		{"short digit run", "son las 230 de la tarde si", false, FilterNoDigitRun},
		{"too few digits", "el código 12345 nada más", false, FilterDigitCount},
		{"too many digits", "1234567890123", false, FilterDigitCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, reason := SemanticFilter(tt.text)
			if ok != tt.wantOK {
				t.Errorf("SemanticFilter(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if reason != tt.reason {
				t.Errorf("SemanticFilter(%q) reason = %q, want %q", tt.text, reason, tt.reason)
			}
		})
	}
}
