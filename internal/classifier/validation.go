package classifier

import "strings"

// validators are hard gates a recognizer can name in its "validation"
// field. A regex match that fails its gate is discarded.
var validators = map[string]func(string) bool{
	"luhn": func(v string) bool { return luhn(digitsOf(v)) },
	"iban": func(v string) bool { return ibanValid(strings.ToUpper(strings.ReplaceAll(v, " ", ""))) },
}

// validate runs the named gate. Unknown names pass so a newer recognizer
// file does not break an older binary.
func validate(name, value string) bool {
	fn, ok := validators[name]
	return !ok || fn(value)
}

// ibanLength is the fixed IBAN length per SEPA country (ISO 13616).
var ibanLength = map[string]int{
	"AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24, "DE": 22,
	"DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22, "GR": 27,
	"HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21, "LT": 20,
	"LU": 20, "LV": 21, "MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25,
	"RO": 24, "SE": 24, "SI": 19, "SK": 24,
}

// ibanValid checks country length and the mod-97 check digits. The
// remainder is folded one character at a time so no big integers are
// needed.
func ibanValid(iban string) bool {
	if len(iban) < 5 || ibanLength[iban[:2]] != len(iban) {
		return false
	}
	rem := 0
	for _, c := range iban[4:] + iban[:4] {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// luhn reports whether a digit string carries a valid Luhn check digit.
func luhn(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	for i := 0; i < len(digits); i++ {
		d := int(digits[len(digits)-1-i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if i%2 == 1 {
			if d *= 2; d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
