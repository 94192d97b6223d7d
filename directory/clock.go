package directory

import (
	"time"

	"github.com/beevik/ntp"
)

// ClockSkewChecker flags device records whose claimed EffectiveFrom
// timestamp is wildly out of sync with real network time, rather than
// the device's own (potentially wrong or adversarial) clock. It never
// blocks an upsert: an NTP lookup failure, or a claim within tolerance,
// both report no skew.
type ClockSkewChecker struct {
	Server    string
	Tolerance time.Duration
}

// NewClockSkewChecker builds a checker against server (e.g.
// "pool.ntp.org") with the given tolerance.
func NewClockSkewChecker(server string, tolerance time.Duration) *ClockSkewChecker {
	return &ClockSkewChecker{Server: server, Tolerance: tolerance}
}

// IsSkewed reports whether claimedUnixSeconds differs from real network
// time by more than c.Tolerance. A failed NTP query is reported as "not
// skewed" with the query error returned, so the caller can distinguish
// "we couldn't check" from "we checked and it's fine".
func (c *ClockSkewChecker) IsSkewed(claimedUnixSeconds int64) (bool, error) {
	networkTime, err := ntp.Time(c.Server)
	if err != nil {
		return false, err
	}

	claimed := time.Unix(claimedUnixSeconds, 0)
	delta := networkTime.Sub(claimed)
	if delta < 0 {
		delta = -delta
	}

	return delta > c.Tolerance, nil
}
