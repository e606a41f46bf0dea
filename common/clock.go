package common

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// Clock supplies the current time to expiry and timeout decisions. An
// injectable clock keeps lifecycle logic testable without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the local wall clock.
type SystemClock struct{}

// Now returns the local time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable time. Test helper.
type FixedClock struct{ T time.Time }

// Now returns the configured time.
func (c *FixedClock) Now() time.Time { return c.T }

// ProbeClockDrift queries an NTP server and returns the local clock
// offset. Fragment expiry is enforced from embedded timestamps, so a
// node whose clock drifts beyond the expiry slack will expire fragments
// early or release them late; the daemon logs a warning when the offset
// is large.
func ProbeClockDrift(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, fmt.Errorf("ntp query failed: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response invalid: %w", err)
	}
	return resp.ClockOffset, nil
}
