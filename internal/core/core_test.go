package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/marqueelabs/gatesync/internal/mesh"
	"github.com/marqueelabs/gatesync/internal/scans"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sequencedIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequencedIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

// transportHub links fake transports so datagrams are delivered synchronously
// between cores inside one test process.
type transportHub struct {
	mu      sync.Mutex
	members map[string]*hubTransport
}

func newTransportHub() *transportHub {
	return &transportHub{members: make(map[string]*hubTransport)}
}

func (h *transportHub) join(ip string) *hubTransport {
	transport := &hubTransport{hub: h, ip: ip}
	h.mu.Lock()
	h.members[ip] = transport
	h.mu.Unlock()
	return transport
}

type hubTransport struct {
	hub     *transportHub
	ip      string
	handler mesh.DatagramHandler

	mu      sync.Mutex
	dropAll bool
}

func (t *hubTransport) Start(handler mesh.DatagramHandler) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	return nil
}

func (t *hubTransport) SendBroadcast(payload []byte) error {
	if t.dropping() {
		return fmt.Errorf("link down")
	}
	t.hub.mu.Lock()
	targets := make([]*hubTransport, 0, len(t.hub.members))
	for ip, member := range t.hub.members {
		if ip == t.ip {
			continue
		}
		targets = append(targets, member)
	}
	t.hub.mu.Unlock()
	for _, target := range targets {
		target.deliver(payload, t.ip)
	}
	return nil
}

func (t *hubTransport) SendUnicast(payload []byte, ip string) error {
	if t.dropping() {
		return fmt.Errorf("link down")
	}
	t.hub.mu.Lock()
	target, ok := t.hub.members[ip]
	t.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("no route to %s", ip)
	}
	target.deliver(payload, t.ip)
	return nil
}

func (t *hubTransport) Close() error {
	return nil
}

func (t *hubTransport) setDropAll(drop bool) {
	t.mu.Lock()
	t.dropAll = drop
	t.mu.Unlock()
}

func (t *hubTransport) dropping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropAll
}

func (t *hubTransport) deliver(payload []byte, fromIP string) {
	t.mu.Lock()
	handler := t.handler
	drop := t.dropAll
	t.mu.Unlock()
	if handler == nil || drop {
		return
	}
	handler(payload, fromIP, 43210)
}

func testPassConfig() *scans.PassConfig {
	return &scans.PassConfig{Passes: map[string]scans.PassDefinition{
		"one-use-code":  {Type: scans.PassTypeOneUse},
		"infinite-code": {Type: scans.PassTypeInfinite},
	}}
}

func openTestDatabase(t *testing.T, path string) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(
		&scans.ScanRecord{}, &scans.PassTypeRecord{}, &scans.Setting{},
		&mesh.PeerRecord{}, &mesh.BroadcastEntry{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newStoreOnlyCore(t *testing.T, clock *manualClock, databasePath string, devicePrefix string) *Core {
	t.Helper()
	database := openTestDatabase(t, databasePath)
	syncCore, err := NewCore(CoreConfig{
		Database:   database,
		PassConfig: testPassConfig(),
		Clock:      clock.Now,
		IDProvider: &sequencedIDProvider{prefix: devicePrefix},
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	if err := syncCore.Init(context.Background()); err != nil {
		t.Fatalf("failed to init core: %v", err)
	}
	return syncCore
}

func newMeshCore(t *testing.T, clock *manualClock, hub *transportHub, ip string, devicePrefix string) (*Core, *hubTransport) {
	t.Helper()
	database := openTestDatabase(t, fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", devicePrefix, time.Now().UnixNano()))
	transport := hub.join(ip)
	syncCore, err := NewCore(CoreConfig{
		Database:   database,
		Transport:  transport,
		PassConfig: testPassConfig(),
		Clock:      clock.Now,
		IDProvider: &sequencedIDProvider{prefix: devicePrefix},
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	if err := syncCore.Init(context.Background()); err != nil {
		t.Fatalf("failed to init core: %v", err)
	}
	t.Cleanup(syncCore.Shutdown)
	return syncCore, transport
}

func memoryDSN(name string) string {
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
}

func localTime(hour int) time.Time {
	return time.Date(2026, time.November, 14, hour, 0, 0, 0, time.Local)
}

func TestSoloOneUseAdmission(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("solo"), "device-a")

	outcome, err := core.SubmitScan(context.Background(), "one-use-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if !outcome.Allowed || outcome.TodayCount != 0 {
		testContext.Fatalf("expected first scan allowed with count 0, got %+v", outcome)
	}

	clock.Advance(31 * time.Second)
	repeat, err := core.SubmitScan(context.Background(), "one-use-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if repeat.Allowed {
		testContext.Fatalf("expected one-use repeat to be denied")
	}
	if repeat.Reason != scans.DenyReasonOneUseSpent {
		testContext.Fatalf("expected reason %q, got %q", scans.DenyReasonOneUseSpent, repeat.Reason)
	}
}

func TestCooldownScenario(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("cooldown"), "device-a")

	first, err := core.SubmitScan(context.Background(), "infinite-code")
	if err != nil || !first.Allowed {
		testContext.Fatalf("expected first scan allowed, got %+v err %v", first, err)
	}

	clock.Advance(5 * time.Second)
	during, err := core.SubmitScan(context.Background(), "infinite-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if during.Allowed || during.Reason != scans.DenyReasonCooldown {
		testContext.Fatalf("expected cooldown deny at +5s, got %+v", during)
	}

	clock.Advance(26 * time.Second)
	after, err := core.SubmitScan(context.Background(), "infinite-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if !after.Allowed || after.TodayCount != 1 {
		testContext.Fatalf("expected allow with count 1 at +31s, got %+v", after)
	}
}

func TestUnknownCodeDenied(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("unknown"), "device-a")

	outcome, err := core.SubmitScan(context.Background(), "never-configured")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if outcome.Allowed || outcome.Reason != scans.DenyReasonUnknown {
		testContext.Fatalf("expected unknown deny, got %+v", outcome)
	}
}

func TestConcurrentOneUseSubmitsAdmitAtMostOnce(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("concurrent"), "device-a")

	const submitters = 8
	var waitGroup sync.WaitGroup
	outcomes := make([]ScanOutcome, submitters)
	for index := 0; index < submitters; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			outcome, err := core.SubmitScan(context.Background(), "one-use-code")
			if err != nil {
				testContext.Errorf("submit failed: %v", err)
				return
			}
			outcomes[slot] = outcome
		}(index)
	}
	waitGroup.Wait()

	allowed := 0
	for _, outcome := range outcomes {
		if outcome.Allowed {
			allowed++
		}
	}
	if allowed != 1 {
		testContext.Fatalf("expected exactly one allow, got %d", allowed)
	}
}

func TestStateSurvivesRestart(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	databasePath := filepath.Join(testContext.TempDir(), "restart.db")

	first := newStoreOnlyCore(testContext, clock, databasePath, "device-a")
	if outcome, err := first.SubmitScan(context.Background(), "one-use-code"); err != nil || !outcome.Allowed {
		testContext.Fatalf("expected first scan allowed, got %+v err %v", outcome, err)
	}
	firstDeviceID := first.DeviceID()
	first.Shutdown()

	clock.Advance(time.Minute)
	second := newStoreOnlyCore(testContext, clock, databasePath, "device-a-second-run")

	if second.DeviceID() != firstDeviceID {
		testContext.Fatalf("expected stable device identity, got %s then %s", firstDeviceID, second.DeviceID())
	}

	state, err := second.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	if len(state["one-use-code"].Scans) != 1 {
		testContext.Fatalf("expected rebuilt replica to hold the scan")
	}

	outcome, err := second.SubmitScan(context.Background(), "one-use-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if outcome.Allowed {
		testContext.Fatalf("expected one-use deny after restart")
	}
}

func TestTwoDeviceDeltaConvergence(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	hub := newTransportHub()

	coreA, _ := newMeshCore(testContext, clock, hub, "10.0.0.1", "device-a")
	coreB, _ := newMeshCore(testContext, clock, hub, "10.0.0.2", "device-b")

	outcome, err := coreA.SubmitScan(context.Background(), "one-use-code")
	if err != nil || !outcome.Allowed {
		testContext.Fatalf("expected scan on A allowed, got %+v err %v", outcome, err)
	}

	stateB, err := coreB.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	if len(stateB["one-use-code"].Scans) != 1 {
		testContext.Fatalf("expected B to replicate the scan, got %d", len(stateB["one-use-code"].Scans))
	}

	denied, err := coreB.SubmitScan(context.Background(), "one-use-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if denied.Allowed {
		testContext.Fatalf("expected replicated one-use to deny on B")
	}

	healthB, err := coreB.QueryHealth(context.Background())
	if err != nil {
		testContext.Fatalf("health query failed: %v", err)
	}
	if healthB.PeersConnected < 1 {
		testContext.Fatalf("expected B to count A as connected")
	}
}

func TestConcurrentOneUseAcceptsMergeToTwoEvents(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	hub := newTransportHub()

	coreA, transportA := newMeshCore(testContext, clock, hub, "10.0.0.1", "device-a")
	coreB, transportB := newMeshCore(testContext, clock, hub, "10.0.0.2", "device-b")

	// Partition: both admit locally without seeing each other's delta.
	transportA.setDropAll(true)
	transportB.setDropAll(true)

	outcomeA, err := coreA.SubmitScan(context.Background(), "one-use-code")
	if err != nil || !outcomeA.Allowed {
		testContext.Fatalf("expected A to admit, got %+v err %v", outcomeA, err)
	}
	outcomeB, err := coreB.SubmitScan(context.Background(), "one-use-code")
	if err != nil || !outcomeB.Allowed {
		testContext.Fatalf("expected B to admit, got %+v err %v", outcomeB, err)
	}

	// Heal the partition and reconcile.
	transportA.setDropAll(false)
	transportB.setDropAll(false)
	coreA.RescanPeers()
	coreB.RescanPeers()

	stateA, err := coreA.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	stateB, err := coreB.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	if len(stateA["one-use-code"].Scans) != 2 || len(stateB["one-use-code"].Scans) != 2 {
		testContext.Fatalf("expected both replicas to keep both events, got %d and %d",
			len(stateA["one-use-code"].Scans), len(stateB["one-use-code"].Scans))
	}

	clock.Advance(31 * time.Second)
	denied, err := coreA.SubmitScan(context.Background(), "one-use-code")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if denied.Allowed {
		testContext.Fatalf("expected double-swiped code to deny everywhere")
	}
}

func TestQueryHealthStoreOnly(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("health"), "device-a")

	health, err := core.QueryHealth(context.Background())
	if err != nil {
		testContext.Fatalf("health query failed: %v", err)
	}
	if health.PeersConnected != 0 || health.PendingAcks != 0 {
		testContext.Fatalf("expected empty mesh counters, got %+v", health)
	}
	if health.TimeSinceLastSyncSecs != -1 {
		testContext.Fatalf("expected no sync yet, got %d", health.TimeSinceLastSyncSecs)
	}
	if health.DeviceID == "" {
		testContext.Fatalf("expected device id in health report")
	}
}

func TestQueryConfigReturnsSnapshot(testContext *testing.T) {
	clock := newManualClock(localTime(10))
	core := newStoreOnlyCore(testContext, clock, memoryDSN("config"), "device-a")

	cfg, err := core.QueryConfig()
	if err != nil {
		testContext.Fatalf("config query failed: %v", err)
	}
	if cfg.Passes["one-use-code"].Type != scans.PassTypeOneUse {
		testContext.Fatalf("expected snapshot passes, got %+v", cfg.Passes)
	}
}
