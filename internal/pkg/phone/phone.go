// Package phone normalises Kenyan mobile numbers to the international format
// the payment provider expects (2547XXXXXXXX / 2541XXXXXXXX).
package phone

import (
	"strings"

	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
)

const countryCode = "254"

// Normalize accepts 07XXXXXXXX, 01XXXXXXXX, 7XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX (spaces, dashes and brackets allowed) and returns 2547XXXXXXXX.
func Normalize(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" {
		return "", &xerrors.InvalidInputError{Field: "phone", Reason: "empty phone number"}
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", &xerrors.InvalidInputError{Field: "phone", Reason: "phone number must contain digits only"}
		}
	}

	var subscriber string
	switch {
	case strings.HasPrefix(cleaned, countryCode) && len(cleaned) == 12:
		subscriber = cleaned[3:]
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		subscriber = cleaned[1:]
	case len(cleaned) == 9:
		subscriber = cleaned
	default:
		return "", &xerrors.InvalidInputError{Field: "phone", Reason: "unrecognised phone number length or prefix"}
	}

	if subscriber[0] != '7' && subscriber[0] != '1' {
		return "", &xerrors.InvalidInputError{Field: "phone", Reason: "not a mobile number"}
	}

	return countryCode + subscriber, nil
}

// Mask hides the middle digits for logs and SMS copy. Values too short to
// keep a prefix and suffix are hidden entirely.
func Mask(p string) string {
	if len(p) < 9 {
		return strings.Repeat("*", len(p))
	}
	return p[:5] + strings.Repeat("*", len(p)-8) + p[len(p)-3:]
}
