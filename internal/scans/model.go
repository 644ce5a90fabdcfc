package scans

import (
	"errors"
	"fmt"
	"strings"
)

// PassType enumerates supported credential semantics.
type PassType string

const (
	// PassTypeInfinite admits the code any number of times per day, subject to cooldown.
	PassTypeInfinite PassType = "infinite"
	// PassTypeOneUse admits the code at most once per event day.
	PassTypeOneUse PassType = "one-use"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCode indicates that a credential code is empty or exceeds storage bounds.
	ErrInvalidCode = errors.New("scans: invalid code")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("scans: invalid device id")
	// ErrInvalidScanID indicates that a scan identifier is empty.
	ErrInvalidScanID = errors.New("scans: invalid scan id")
	// ErrInvalidDayKey indicates that an event-day bucket is empty.
	ErrInvalidDayKey = errors.New("scans: invalid day key")
	// ErrInvalidPassType indicates that a pass type value is not recognised.
	ErrInvalidPassType = errors.New("scans: invalid pass type")
)

// Code represents a validated credential code.
type Code string

// NewCode validates raw input and returns a Code.
func NewCode(rawInput string) (Code, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCode, maxIdentifierLength)
	}
	return Code(trimmed), nil
}

// String returns the underlying code value.
func (c Code) String() string {
	return string(c)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying device identifier.
func (id DeviceID) String() string {
	return string(id)
}

// ParsePassType validates a raw pass type value.
func ParsePassType(rawInput string) (PassType, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(PassTypeInfinite):
		return PassTypeInfinite, nil
	case string(PassTypeOneUse):
		return PassTypeOneUse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPassType, rawInput)
	}
}

// ScanEvent is the immutable replicated atom: a single admitted code read.
type ScanEvent struct {
	ScanID   string `json:"scanId"`
	Code     string `json:"qrCode"`
	TsMS     int64  `json:"timestamp"`
	DeviceID string `json:"deviceId"`
	Day      string `json:"date"`
}

// Validate reports whether the event satisfies the replication invariants.
func (e ScanEvent) Validate() error {
	if strings.TrimSpace(e.ScanID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidScanID)
	}
	if strings.TrimSpace(e.Code) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if strings.TrimSpace(e.DeviceID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.TrimSpace(e.Day) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDayKey)
	}
	return nil
}

// ScanRecord models the persisted scan log row.
type ScanRecord struct {
	ScanID   string `gorm:"column:scan_id;primaryKey;size:190;not null"`
	Code     string `gorm:"column:qr_code;size:190;not null;index:idx_scans_code_ts,priority:1;index:idx_scans_code_day,priority:1"`
	TsMS     int64  `gorm:"column:ts_ms;not null;index:idx_scans_code_ts,priority:2"`
	DeviceID string `gorm:"column:device_id;size:190;not null"`
	Day      string `gorm:"column:day;size:32;not null;index:idx_scans_code_day,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ScanRecord) TableName() string {
	return "scans"
}

// Event converts the stored row back into the replicated value object.
func (r ScanRecord) Event() ScanEvent {
	return ScanEvent{
		ScanID:   r.ScanID,
		Code:     r.Code,
		TsMS:     r.TsMS,
		DeviceID: r.DeviceID,
		Day:      r.Day,
	}
}

func recordFromEvent(event ScanEvent) ScanRecord {
	return ScanRecord{
		ScanID:   event.ScanID,
		Code:     event.Code,
		TsMS:     event.TsMS,
		DeviceID: event.DeviceID,
		Day:      event.Day,
	}
}

// PassTypeRecord models the persisted pass-type projection row.
type PassTypeRecord struct {
	Code             string `gorm:"column:qr_code;primaryKey;size:190;not null"`
	Type             string `gorm:"column:pass_type;size:32;not null"`
	DisabledDaysJSON string `gorm:"column:disabled_days_json;type:text;not null;default:''"`
	Counter          int64  `gorm:"column:counter;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PassTypeRecord) TableName() string {
	return "pass_types"
}

// Setting stores a well-known key/value pair (device identity, config snapshot).
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}
