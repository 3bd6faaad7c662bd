// Package phone normalises user supplied phone numbers into the digit-only
// international form WhatsApp uses as a user id.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalid = errors.New("invalid phone number")

// FormatWhatsApp parses raw using region as the default country and returns
// the E.164 number without the leading plus, e.g. 0812-3456-7890 in ID
// becomes 6281234567890.
func FormatWhatsApp(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalid
	}

	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %s", ErrInvalid, raw)
	}

	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}
