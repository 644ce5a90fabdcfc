package scans

// Deny reasons returned to the scanning shell. These are decisions, not errors.
const (
	DenyReasonUnknown     = "unknown"
	DenyReasonOneUseSpent = "one-use already used today"
	DenyReasonCooldown    = "cooldown"
	DenyReasonDisabledDay = "disabled for day"
)

// Decision captures the admission outcome for a candidate scan.
type Decision struct {
	Allowed    bool
	Reason     string
	TodayCount int
}

// DefaultCooldownMS is the reference repeat-scan suppression window.
const DefaultCooldownMS int64 = 30_000

// Evaluate applies the admission predicate for a candidate code against the
// replica at the current wall clock. It is a pure function of the replica
// snapshot and the clock: it never mutates state. On allow, the caller appends
// via ApplyLocal, persists, and disseminates.
func Evaluate(replica *Replica, code string, nowMS int64, cooldownMS int64) Decision {
	definition, known := replica.PassType(code)
	if !known {
		return Decision{Allowed: false, Reason: DenyReasonUnknown}
	}

	day := DayKeyForMillis(nowMS)
	today := replica.ScansForDay(code, day)

	if definition.DisabledFor(day) {
		return Decision{Allowed: false, Reason: DenyReasonDisabledDay, TodayCount: len(today)}
	}

	if definition.Type == PassTypeOneUse && len(today) > 0 {
		return Decision{Allowed: false, Reason: DenyReasonOneUseSpent, TodayCount: len(today)}
	}

	for _, event := range today {
		if event.TsMS > nowMS-cooldownMS {
			return Decision{Allowed: false, Reason: DenyReasonCooldown, TodayCount: len(today)}
		}
	}

	return Decision{Allowed: true, TodayCount: len(today)}
}
