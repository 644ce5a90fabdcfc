package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marqueelabs/gatesync/internal/mesh"
	"github.com/marqueelabs/gatesync/internal/scans"
)

var (
	errMissingDatabase = errors.New("core: database handle is required")
	errNotInitialized  = errors.New("core: not initialized")
)

// CoreConfig describes everything the core needs. Transport may be nil for
// store-only operation (scans are admitted and persisted without replication).
type CoreConfig struct {
	Database   *gorm.DB
	Transport  mesh.Transport
	PassConfig *scans.PassConfig
	Clock      func() time.Time
	IDProvider scans.IDProvider
	Logger     *zap.Logger

	CooldownMS    int64
	PeerTimeoutMS int64
	CacheCapacity int

	HeartbeatPeriod  time.Duration
	RetryAckPeriod   time.Duration
	StateHashPeriod  time.Duration
	FullSyncPeriod   time.Duration
	RetryQueuePeriod time.Duration

	// OnNewEvents observes admitted events, local and replicated, after commit.
	OnNewEvents func(events []scans.ScanEvent, remote bool)
}

// ScanOutcome is the admission result returned to the scanning shell.
type ScanOutcome struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	TodayCount int    `json:"todayCount"`
}

// HealthReport summarises device health for the shell.
type HealthReport struct {
	DeviceID              string `json:"deviceId"`
	PeersConnected        int    `json:"peersConnected"`
	TimeSinceLastSyncSecs int64  `json:"timeSinceLastSyncS"`
	PendingBroadcasts     int64  `json:"pendingBroadcasts"`
	PendingAcks           int    `json:"pendingAcks"`
}

// Core owns the replica, stores, and gossip engine behind one lock and exposes
// the public surface the scanning shell consumes.
type Core struct {
	mu sync.Mutex

	cfg        CoreConfig
	clock      func() time.Time
	idProvider scans.IDProvider
	logger     *zap.Logger

	deviceID   string
	replica    *scans.Replica
	scanStore  *scans.Service
	meshStore  *mesh.Store
	engine     *mesh.Engine
	passConfig scans.PassConfig

	initialized bool
}

// NewCore validates the configuration and returns an uninitialized core.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = scans.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CooldownMS <= 0 {
		cfg.CooldownMS = scans.DefaultCooldownMS
	}
	return &Core{
		cfg:        cfg,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Init opens the stores, restores the replica from the scan log, and, unless
// running store-only, starts the gossip engine. Failures here are the only
// fatal ones; once initialized the core always prefers to keep running.
func (c *Core) Init(ctx context.Context) error {
	scanStore, err := scans.NewService(scans.ServiceConfig{
		Database: c.cfg.Database,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	meshStore, err := mesh.NewStore(mesh.StoreConfig{
		Database: c.cfg.Database,
		Clock:    c.clock,
	})
	if err != nil {
		return err
	}

	deviceID, err := scanStore.GetOrCreateDeviceID(ctx, c.idProvider)
	if err != nil {
		return err
	}

	passConfig, err := c.resolvePassConfig(ctx, scanStore)
	if err != nil {
		return err
	}

	replica, err := scans.NewReplica(scans.ReplicaConfig{
		DeviceID:   deviceID,
		IDProvider: c.idProvider,
	})
	if err != nil {
		return err
	}

	for code, definition := range passConfig.Passes {
		replica.SetPassType(code, definition)
	}

	events, err := scanStore.LoadAllScans(ctx)
	if err != nil {
		return err
	}
	replica.MergeDeltas(events)

	// The projection is rebuilt from the log union the snapshot defaults, so
	// counters stay deterministic across restarts.
	for code := range passConfig.Passes {
		definition := passConfig.Passes[code]
		definition.Counter = int64(len(replica.ScansFor(code)))
		replica.SetPassType(code, definition)
		if err := scanStore.UpsertPassType(ctx, code, definition); err != nil {
			c.logger.Warn("pass type persistence failed",
				zap.String("code", code),
				zap.Error(err))
		}
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.replica = replica
	c.scanStore = scanStore
	c.meshStore = meshStore
	c.passConfig = passConfig
	c.initialized = true
	c.mu.Unlock()

	if c.cfg.Transport != nil {
		engine, err := mesh.NewEngine(mesh.EngineConfig{
			DeviceID:         deviceID,
			Replica:          replica,
			ScanStore:        scanStore,
			Store:            meshStore,
			Transport:        c.cfg.Transport,
			IDProvider:       c.idProvider,
			Clock:            c.clock,
			Logger:           c.logger,
			SharedLock:       &c.mu,
			PeerTimeoutMS:    c.cfg.PeerTimeoutMS,
			CacheCapacity:    c.cfg.CacheCapacity,
			HeartbeatPeriod:  c.cfg.HeartbeatPeriod,
			RetryAckPeriod:   c.cfg.RetryAckPeriod,
			StateHashPeriod:  c.cfg.StateHashPeriod,
			FullSyncPeriod:   c.cfg.FullSyncPeriod,
			RetryQueuePeriod: c.cfg.RetryQueuePeriod,
			OnNewEvents:      c.cfg.OnNewEvents,
		})
		if err != nil {
			return err
		}
		if err := engine.Start(ctx); err != nil {
			return err
		}
		c.engine = engine
	}

	c.logger.Info("core initialized",
		zap.String("device_id", deviceID),
		zap.Int("events", len(events)),
		zap.Bool("store_only", c.cfg.Transport == nil))
	return nil
}

// SubmitScan runs admission for a candidate code and, on allow, appends the
// event, persists it, and disseminates a tracked delta. The admission check and
// append are atomic with respect to other SubmitScan calls on this device.
func (c *Core) SubmitScan(ctx context.Context, rawCode string) (ScanOutcome, error) {
	candidate, err := scans.NewCode(rawCode)
	if err != nil {
		return ScanOutcome{}, err
	}
	code := candidate.String()
	nowMS := c.clock().UnixMilli()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ScanOutcome{}, errNotInitialized
	}
	decision := scans.Evaluate(c.replica, code, nowMS, c.cfg.CooldownMS)
	if !decision.Allowed {
		c.mu.Unlock()
		return ScanOutcome{
			Allowed:    false,
			Reason:     decision.Reason,
			TodayCount: decision.TodayCount,
		}, nil
	}

	day := scans.DayKeyForMillis(nowMS)
	event, err := c.replica.ApplyLocal(code, day, nowMS)
	if err != nil {
		c.mu.Unlock()
		return ScanOutcome{}, err
	}
	definition, known := c.replica.PassType(code)
	if known {
		definition.Counter++
		c.replica.SetPassType(code, definition)
	}
	c.mu.Unlock()

	if err := c.scanStore.AppendScan(ctx, event); err != nil {
		// In-memory state leads; replication and the next full sync carry the
		// event even if the local write failed.
		c.logger.Warn("local scan persistence failed",
			zap.String("scan_id", event.ScanID),
			zap.Error(err))
	}
	if known {
		if err := c.scanStore.UpsertPassType(ctx, code, definition); err != nil {
			c.logger.Warn("pass type persistence failed",
				zap.String("code", code),
				zap.Error(err))
		}
	}

	if c.engine != nil {
		c.engine.DisseminateDelta([]scans.ScanEvent{event})
	}
	if c.cfg.OnNewEvents != nil {
		c.cfg.OnNewEvents([]scans.ScanEvent{event}, false)
	}

	return ScanOutcome{Allowed: true, TodayCount: decision.TodayCount}, nil
}

// QueryState returns the full replica view.
func (c *Core) QueryState() (scans.FullState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, errNotInitialized
	}
	return c.replica.Snapshot(), nil
}

// QueryConfig returns the active pass configuration snapshot.
func (c *Core) QueryConfig() (scans.PassConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return scans.PassConfig{}, errNotInitialized
	}
	return c.passConfig, nil
}

// QueryHealth reports peer, queue, and sync-lag counters.
func (c *Core) QueryHealth(ctx context.Context) (HealthReport, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return HealthReport{}, errNotInitialized
	}
	deviceID := c.deviceID
	c.mu.Unlock()

	report := HealthReport{DeviceID: deviceID, TimeSinceLastSyncSecs: -1}

	if c.engine != nil {
		health := c.engine.Health()
		report.PeersConnected = health.PeersConnected
		report.PendingAcks = health.PendingAcks
		if health.LastSyncMS > 0 {
			report.TimeSinceLastSyncSecs = (c.clock().UnixMilli() - health.LastSyncMS) / 1000
		}
	}

	pendingBroadcasts, err := c.meshStore.PendingBroadcasts(ctx)
	if err != nil {
		c.logger.Warn("broadcast queue count failed", zap.Error(err))
	} else {
		report.PendingBroadcasts = pendingBroadcasts
	}

	return report, nil
}

// RescanPeers broadcasts a state request.
func (c *Core) RescanPeers() {
	if c.engine != nil {
		c.engine.RescanPeers()
	}
}

// DeviceID returns the persistent device identity.
func (c *Core) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Peers returns the known peer table for diagnostics.
func (c *Core) Peers() []mesh.Peer {
	if c.engine == nil {
		return nil
	}
	return c.engine.Peers()
}

// Shutdown stops the timers and closes the socket. In-flight sends may be
// lost; the pending table is in-memory and the post-init state request
// re-learns peer state on the next start.
func (c *Core) Shutdown() {
	if c.engine != nil {
		c.engine.Stop()
	}
}

func (c *Core) resolvePassConfig(ctx context.Context, scanStore *scans.Service) (scans.PassConfig, error) {
	blob, err := scanStore.LoadConfigSnapshot(ctx)
	if err == nil {
		return scans.ParsePassConfig(blob)
	}
	if !errors.Is(err, scans.ErrNoConfigSnapshot) {
		return scans.PassConfig{}, err
	}

	// First run: persist the bundled snapshot so later runs are self-contained.
	if c.cfg.PassConfig != nil {
		encoded, encodeErr := c.cfg.PassConfig.Encode()
		if encodeErr != nil {
			return scans.PassConfig{}, encodeErr
		}
		if saveErr := scanStore.SaveConfigSnapshot(ctx, encoded); saveErr != nil {
			return scans.PassConfig{}, saveErr
		}
		return *c.cfg.PassConfig, nil
	}

	return scans.PassConfig{Passes: map[string]scans.PassDefinition{}}, nil
}
