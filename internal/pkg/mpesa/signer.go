package mpesa

import (
	"encoding/base64"
	"time"
)

// TimestampLayout is the provider's YYYYMMDDHHmmss timestamp format.
const TimestampLayout = "20060102150405"

// Sign derives the per-request password and timestamp. now should already be
// in the provider's local time zone.
func Sign(shortcode, passkey string, now time.Time) (password, timestamp string) {
	timestamp = now.Format(TimestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
	return password, timestamp
}

// DefaultLocation is East Africa Time. tzdata may be missing in slim images, so
// fall back to a fixed +03:00 zone.
func DefaultLocation() *time.Location {
	return LoadLocation("Africa/Nairobi")
}

func LoadLocation(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone("EAT", 3*60*60)
}
