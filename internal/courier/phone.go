package courier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPhoneFormat indicates a recipient phone number could not be normalised
// into the provider's required local format. Shipment creation must abort on
// this error; delivery contact data is never fabricated.
var ErrPhoneFormat = errors.New("courier: phone number not in deliverable local format")

const countryPrefix = "880"

// localPhone is the provider's required recipient format: eleven digits,
// local trunk zero followed by a mobile operator prefix.
var localPhone = regexp.MustCompile(`^01[3-9][0-9]{8}$`)

// NormalizePhone converts arbitrary phone input into the provider's local
// format. Non-digit characters are stripped and a country-code prefix is
// folded back onto the local trunk digit.
func NormalizePhone(raw string) (string, error) {
	digits := stripNonDigits(raw)
	if strings.HasPrefix(digits, countryPrefix) && len(digits) == len(countryPrefix)+10 {
		digits = "0" + digits[len(countryPrefix):]
	}
	if !localPhone.MatchString(digits) {
		return "", fmt.Errorf("%w: %q", ErrPhoneFormat, raw)
	}
	return digits, nil
}

func stripNonDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
