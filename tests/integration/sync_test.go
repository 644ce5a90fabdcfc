package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/marqueelabs/gatesync/internal/core"
	"github.com/marqueelabs/gatesync/internal/mesh"
	"github.com/marqueelabs/gatesync/internal/scans"
)

// lanHub links in-memory transports so multi-device scenarios run inside one
// process with the real engine timers.
type lanHub struct {
	mu      sync.Mutex
	members map[string]*lanTransport
}

func newLanHub() *lanHub {
	return &lanHub{members: make(map[string]*lanTransport)}
}

func (h *lanHub) join(ip string) *lanTransport {
	transport := &lanTransport{hub: h, ip: ip}
	h.mu.Lock()
	h.members[ip] = transport
	h.mu.Unlock()
	return transport
}

type lanTransport struct {
	hub *lanHub
	ip  string

	mu           sync.Mutex
	handler      mesh.DatagramHandler
	dropInbound  bool
	dropOutbound bool
}

func (t *lanTransport) Start(handler mesh.DatagramHandler) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	return nil
}

func (t *lanTransport) SendBroadcast(payload []byte) error {
	if t.outboundDropped() {
		return fmt.Errorf("link down")
	}
	t.hub.mu.Lock()
	targets := make([]*lanTransport, 0, len(t.hub.members))
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

func (t *lanTransport) SendUnicast(payload []byte, ip string) error {
	if t.outboundDropped() {
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

func (t *lanTransport) Close() error {
	return nil
}

func (t *lanTransport) setDropInbound(drop bool) {
	t.mu.Lock()
	t.dropInbound = drop
	t.mu.Unlock()
}

func (t *lanTransport) outboundDropped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropOutbound
}

func (t *lanTransport) deliver(payload []byte, fromIP string) {
	t.mu.Lock()
	handler := t.handler
	drop := t.dropInbound
	t.mu.Unlock()
	if handler == nil || drop {
		return
	}
	// Deliver asynchronously the way a socket would.
	go handler(payload, fromIP, 43210)
}

func fleetPassConfig() *scans.PassConfig {
	passes := map[string]scans.PassDefinition{
		"infinite-code": {Type: scans.PassTypeInfinite},
	}
	for index := 1; index <= 5; index++ {
		passes[fmt.Sprintf("one-use-%d", index)] = scans.PassDefinition{Type: scans.PassTypeOneUse}
	}
	return &scans.PassConfig{Passes: passes}
}

func startDevice(t *testing.T, hub *lanHub, ip string, name string) (*core.Core, *lanTransport) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(
		&scans.ScanRecord{}, &scans.PassTypeRecord{}, &scans.Setting{},
		&mesh.PeerRecord{}, &mesh.BroadcastEntry{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	transport := hub.join(ip)
	device, err := core.NewCore(core.CoreConfig{
		Database:         database,
		Transport:        transport,
		PassConfig:       fleetPassConfig(),
		HeartbeatPeriod:  40 * time.Millisecond,
		RetryAckPeriod:   20 * time.Millisecond,
		StateHashPeriod:  60 * time.Millisecond,
		FullSyncPeriod:   80 * time.Millisecond,
		RetryQueuePeriod: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	if err := device.Init(context.Background()); err != nil {
		t.Fatalf("failed to init core: %v", err)
	}
	t.Cleanup(device.Shutdown)
	return device, transport
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func scanCount(t *testing.T, device *core.Core, code string) int {
	t.Helper()
	state, err := device.QueryState()
	if err != nil {
		t.Fatalf("state query failed: %v", err)
	}
	return len(state[code].Scans)
}

func TestLossyPartitionHealsThroughStateHash(testContext *testing.T) {
	hub := newLanHub()
	deviceA, _ := startDevice(testContext, hub, "10.0.0.1", "lossy_a")
	deviceB, transportB := startDevice(testContext, hub, "10.0.0.2", "lossy_b")

	eventually(testContext, 2*time.Second, func() bool {
		health, err := deviceA.QueryHealth(context.Background())
		return err == nil && health.PeersConnected >= 1
	}, "expected A to discover B")

	// Deltas to B are lost during the partition.
	transportB.setDropInbound(true)
	for index := 1; index <= 5; index++ {
		outcome, err := deviceA.SubmitScan(context.Background(), fmt.Sprintf("one-use-%d", index))
		if err != nil || !outcome.Allowed {
			testContext.Fatalf("expected scan %d to be admitted, got %+v err %v", index, outcome, err)
		}
	}
	if scanCount(testContext, deviceB, "one-use-1") != 0 {
		testContext.Fatalf("expected partition to block replication")
	}

	transportB.setDropInbound(false)

	eventually(testContext, 5*time.Second, func() bool {
		total := 0
		for index := 1; index <= 5; index++ {
			total += scanCount(testContext, deviceB, fmt.Sprintf("one-use-%d", index))
		}
		return total == 5
	}, "expected B to converge after the partition healed")
}

func TestLateJoinerPullsFullState(testContext *testing.T) {
	hub := newLanHub()
	deviceA, _ := startDevice(testContext, hub, "10.0.0.1", "late_a")
	deviceB, _ := startDevice(testContext, hub, "10.0.0.2", "late_b")

	if outcome, err := deviceA.SubmitScan(context.Background(), "one-use-1"); err != nil || !outcome.Allowed {
		testContext.Fatalf("expected scan on A, got %+v err %v", outcome, err)
	}
	if outcome, err := deviceB.SubmitScan(context.Background(), "one-use-2"); err != nil || !outcome.Allowed {
		testContext.Fatalf("expected scan on B, got %+v err %v", outcome, err)
	}

	deviceC, _ := startDevice(testContext, hub, "10.0.0.3", "late_c")

	eventually(testContext, 5*time.Second, func() bool {
		return scanCount(testContext, deviceC, "one-use-1") == 1 &&
			scanCount(testContext, deviceC, "one-use-2") == 1
	}, "expected the late joiner to converge")

	eventually(testContext, 2*time.Second, func() bool {
		health, err := deviceC.QueryHealth(context.Background())
		return err == nil && health.PeersConnected >= 1
	}, "expected the late joiner to count peers")

	// The replicated one-use codes deny on the newcomer.
	outcome, err := deviceC.SubmitScan(context.Background(), "one-use-1")
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	if outcome.Allowed {
		testContext.Fatalf("expected replicated one-use to deny on C")
	}
}

func TestTwoDeviceConvergenceWithinBoundedTime(testContext *testing.T) {
	hub := newLanHub()
	deviceA, _ := startDevice(testContext, hub, "10.0.0.1", "conv_a")
	deviceB, _ := startDevice(testContext, hub, "10.0.0.2", "conv_b")

	if outcome, err := deviceA.SubmitScan(context.Background(), "one-use-1"); err != nil || !outcome.Allowed {
		testContext.Fatalf("expected scan on A, got %+v err %v", outcome, err)
	}

	eventually(testContext, 2*time.Second, func() bool {
		return scanCount(testContext, deviceB, "one-use-1") == 1
	}, "expected B to learn the scan within bounded time")

	stateA, err := deviceA.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	stateB, err := deviceB.QueryState()
	if err != nil {
		testContext.Fatalf("state query failed: %v", err)
	}
	scansA := stateA["one-use-1"].Scans
	scansB := stateB["one-use-1"].Scans
	if len(scansA) != 1 || len(scansB) != 1 || scansA[0] != scansB[0] {
		testContext.Fatalf("expected identical replicas, got %+v and %+v", scansA, scansB)
	}
}
