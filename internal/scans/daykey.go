package scans

import (
	"fmt"
	"strings"
	"time"
)

// DayKeyFor buckets a wall-clock instant into the short event-day key the
// admission predicate scopes one-use checks to, e.g. "14nov". Computed in the
// instant's own location so the bucket matches what the operator sees.
func DayKeyFor(instant time.Time) string {
	month := strings.ToLower(instant.Format("Jan"))
	return fmt.Sprintf("%d%s", instant.Day(), month)
}

// DayKeyForMillis buckets epoch milliseconds using the local timezone.
func DayKeyForMillis(tsMS int64) string {
	return DayKeyFor(time.UnixMilli(tsMS))
}
