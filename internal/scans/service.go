package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNoConfigSnapshot indicates that no pass configuration has been persisted yet.
	ErrNoConfigSnapshot = errors.New("scans: no config snapshot stored")
	noOpLogger          = zap.NewNop()
)

// ServiceError wraps a store failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "scans.service.new"
	opAppendScans       = "scans.append_scans"
	opLoadScans         = "scans.load_scans"
	opLoadFullState     = "scans.load_full_state"
	opUpsertPassType    = "scans.upsert_pass_type"
	opLoadPassTypes     = "scans.load_pass_types"
	opDeviceIdentity    = "scans.device_identity"
	opSaveConfig        = "scans.save_config"
	opLoadConfig        = "scans.load_config"
	settingKeyDeviceID  = "device_id"
	settingKeyConfig    = "config_snapshot"
	fieldCode           = "qr_code"
	queryCode           = fieldCode + " = ?"
	queryCodeDay        = fieldCode + " = ? AND day = ?"
	orderScanTimeAsc    = "ts_ms ASC, device_id ASC"
	reasonMissingDB     = "missing_database"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonEncodeFailed  = "encode_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonIDGenFailed   = "id_generation_failed"
	reasonUpsertFailed  = "upsert_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the scan store service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists the scan log, pass-type projection, and device settings.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendScan persists a single event, idempotent on scan id.
func (s *Service) AppendScan(ctx context.Context, event ScanEvent) error {
	return s.AppendScansBatch(ctx, []ScanEvent{event})
}

// AppendScansBatch persists events atomically in one transaction, idempotent on
// scan id. A crash mid-batch leaves either all or none of the included events.
func (s *Service) AppendScansBatch(ctx context.Context, events []ScanEvent) error {
	if s.db == nil {
		s.logError(opAppendScans, reasonMissingDB, errMissingDatabase)
		return newServiceError(opAppendScans, reasonMissingDB, errMissingDatabase)
	}
	if len(events) == 0 {
		return nil
	}

	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, event := range events {
			if err := event.Validate(); err != nil {
				s.logError(opAppendScans, reasonInsertFailed, err, zap.String("scan_id", event.ScanID))
				return newServiceError(opAppendScans, reasonInsertFailed, err)
			}
			record := recordFromEvent(event)
			result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if result.Error != nil {
				s.logError(opAppendScans, reasonInsertFailed, result.Error,
					zap.String("scan_id", event.ScanID),
					zap.String(fieldCode, event.Code))
				return newServiceError(opAppendScans, reasonInsertFailed, result.Error)
			}
		}
		return nil
	})
	return transactionError
}

// LoadScansFor returns every persisted event for a code, ascending by time.
func (s *Service) LoadScansFor(ctx context.Context, code string) ([]ScanEvent, error) {
	return s.loadScans(ctx, queryCode, code)
}

// LoadScansForDay returns the persisted events for a code on one event day.
func (s *Service) LoadScansForDay(ctx context.Context, code string, day string) ([]ScanEvent, error) {
	return s.loadScans(ctx, queryCodeDay, code, day)
}

// LoadAllScans returns the entire persisted scan log, ascending by time.
func (s *Service) LoadAllScans(ctx context.Context) ([]ScanEvent, error) {
	if s.db == nil {
		s.logError(opLoadScans, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadScans, reasonMissingDB, errMissingDatabase)
	}
	var records []ScanRecord
	if err := s.db.WithContext(ctx).Order(orderScanTimeAsc).Find(&records).Error; err != nil {
		s.logError(opLoadScans, reasonQueryFailed, err)
		return nil, newServiceError(opLoadScans, reasonQueryFailed, err)
	}
	return eventsFromRecords(records), nil
}

// LoadFullState returns the persisted events grouped by code for the requested
// codes; with no codes requested, the whole log is grouped.
func (s *Service) LoadFullState(ctx context.Context, codes []string) (map[string][]ScanEvent, error) {
	if s.db == nil {
		s.logError(opLoadFullState, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadFullState, reasonMissingDB, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Order(orderScanTimeAsc)
	if len(codes) > 0 {
		query = query.Where(fieldCode+" IN ?", codes)
	}
	var records []ScanRecord
	if err := query.Find(&records).Error; err != nil {
		s.logError(opLoadFullState, reasonQueryFailed, err)
		return nil, newServiceError(opLoadFullState, reasonQueryFailed, err)
	}
	grouped := make(map[string][]ScanEvent)
	for _, record := range records {
		grouped[record.Code] = append(grouped[record.Code], record.Event())
	}
	return grouped, nil
}

// UpsertPassType stores or updates the projection row for a code.
func (s *Service) UpsertPassType(ctx context.Context, code string, definition PassDefinition) error {
	if s.db == nil {
		s.logError(opUpsertPassType, reasonMissingDB, errMissingDatabase)
		return newServiceError(opUpsertPassType, reasonMissingDB, errMissingDatabase)
	}
	disabledJSON := ""
	if len(definition.DisabledDays) > 0 {
		encoded, err := json.Marshal(definition.DisabledDays)
		if err != nil {
			s.logError(opUpsertPassType, reasonEncodeFailed, err, zap.String(fieldCode, code))
			return newServiceError(opUpsertPassType, reasonEncodeFailed, err)
		}
		disabledJSON = string(encoded)
	}
	record := PassTypeRecord{
		Code:             code,
		Type:             string(definition.Type),
		DisabledDaysJSON: disabledJSON,
		Counter:          definition.Counter,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldCode}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpsertPassType, reasonUpsertFailed, err, zap.String(fieldCode, code))
		return newServiceError(opUpsertPassType, reasonUpsertFailed, err)
	}
	return nil
}

// LoadPassTypes returns the persisted pass-type projection.
func (s *Service) LoadPassTypes(ctx context.Context) (map[string]PassDefinition, error) {
	if s.db == nil {
		s.logError(opLoadPassTypes, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadPassTypes, reasonMissingDB, errMissingDatabase)
	}
	var records []PassTypeRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		s.logError(opLoadPassTypes, reasonQueryFailed, err)
		return nil, newServiceError(opLoadPassTypes, reasonQueryFailed, err)
	}
	definitions := make(map[string]PassDefinition, len(records))
	for _, record := range records {
		passType, err := ParsePassType(record.Type)
		if err != nil {
			s.logError(opLoadPassTypes, reasonDecodeFailed, err, zap.String(fieldCode, record.Code))
			return nil, newServiceError(opLoadPassTypes, reasonDecodeFailed, err)
		}
		var disabledDays []string
		if record.DisabledDaysJSON != "" {
			if err := json.Unmarshal([]byte(record.DisabledDaysJSON), &disabledDays); err != nil {
				s.logError(opLoadPassTypes, reasonDecodeFailed, err, zap.String(fieldCode, record.Code))
				return nil, newServiceError(opLoadPassTypes, reasonDecodeFailed, err)
			}
		}
		definitions[record.Code] = PassDefinition{
			Type:         passType,
			DisabledDays: disabledDays,
			Counter:      record.Counter,
		}
	}
	return definitions, nil
}

// GetOrCreateDeviceID loads the persistent device identity, generating and
// storing one via the provider on first run.
func (s *Service) GetOrCreateDeviceID(ctx context.Context, provider IDProvider) (string, error) {
	if s.db == nil {
		s.logError(opDeviceIdentity, reasonMissingDB, errMissingDatabase)
		return "", newServiceError(opDeviceIdentity, reasonMissingDB, errMissingDatabase)
	}
	if provider == nil {
		s.logError(opDeviceIdentity, reasonIDGenFailed, errMissingIDProvider)
		return "", newServiceError(opDeviceIdentity, reasonIDGenFailed, errMissingIDProvider)
	}

	var setting Setting
	err := s.db.WithContext(ctx).Where("key = ?", settingKeyDeviceID).Take(&setting).Error
	if err == nil {
		return setting.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opDeviceIdentity, reasonQueryFailed, err)
		return "", newServiceError(opDeviceIdentity, reasonQueryFailed, err)
	}

	generated, err := provider.NewID()
	if err != nil {
		s.logError(opDeviceIdentity, reasonIDGenFailed, err)
		return "", newServiceError(opDeviceIdentity, reasonIDGenFailed, err)
	}
	setting = Setting{Key: settingKeyDeviceID, Value: generated}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error; err != nil {
		s.logError(opDeviceIdentity, reasonInsertFailed, err)
		return "", newServiceError(opDeviceIdentity, reasonInsertFailed, err)
	}

	// Another writer may have raced the insert; the stored value wins.
	var stored Setting
	if err := s.db.WithContext(ctx).Where("key = ?", settingKeyDeviceID).Take(&stored).Error; err != nil {
		s.logError(opDeviceIdentity, reasonQueryFailed, err)
		return "", newServiceError(opDeviceIdentity, reasonQueryFailed, err)
	}
	return stored.Value, nil
}

// SaveConfigSnapshot persists the pass configuration blob in settings.
func (s *Service) SaveConfigSnapshot(ctx context.Context, blob []byte) error {
	if s.db == nil {
		s.logError(opSaveConfig, reasonMissingDB, errMissingDatabase)
		return newServiceError(opSaveConfig, reasonMissingDB, errMissingDatabase)
	}
	setting := Setting{Key: settingKeyConfig, Value: string(blob)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&setting).Error
	if err != nil {
		s.logError(opSaveConfig, reasonUpsertFailed, err)
		return newServiceError(opSaveConfig, reasonUpsertFailed, err)
	}
	return nil
}

// LoadConfigSnapshot returns the persisted pass configuration blob.
func (s *Service) LoadConfigSnapshot(ctx context.Context) ([]byte, error) {
	if s.db == nil {
		s.logError(opLoadConfig, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadConfig, reasonMissingDB, errMissingDatabase)
	}
	var setting Setting
	err := s.db.WithContext(ctx).Where("key = ?", settingKeyConfig).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoConfigSnapshot
	}
	if err != nil {
		s.logError(opLoadConfig, reasonQueryFailed, err)
		return nil, newServiceError(opLoadConfig, reasonQueryFailed, err)
	}
	return []byte(setting.Value), nil
}

func (s *Service) loadScans(ctx context.Context, query string, args ...interface{}) ([]ScanEvent, error) {
	if s.db == nil {
		s.logError(opLoadScans, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadScans, reasonMissingDB, errMissingDatabase)
	}
	var records []ScanRecord
	if err := s.db.WithContext(ctx).
		Where(query, args...).
		Order(orderScanTimeAsc).
		Find(&records).Error; err != nil {
		s.logError(opLoadScans, reasonQueryFailed, err)
		return nil, newServiceError(opLoadScans, reasonQueryFailed, err)
	}
	return eventsFromRecords(records), nil
}

func eventsFromRecords(records []ScanRecord) []ScanEvent {
	events := make([]ScanEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.Event())
	}
	return events
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("scan store error", attrs...)
}
