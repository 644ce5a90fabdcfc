package scans

import (
	"fmt"
	"testing"
)

type sequencedIDProvider struct {
	prefix string
	next   int
}

func (p *sequencedIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

func mustReplica(t *testing.T, deviceID string) *Replica {
	t.Helper()
	replica, err := NewReplica(ReplicaConfig{
		DeviceID:   deviceID,
		IDProvider: &sequencedIDProvider{prefix: deviceID},
	})
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}
	return replica
}

func mustApplyLocal(t *testing.T, replica *Replica, code string, day string, nowMS int64) ScanEvent {
	t.Helper()
	event, err := replica.ApplyLocal(code, day, nowMS)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return event
}

func testEvent(scanID, code, deviceID, day string, tsMS int64) ScanEvent {
	return ScanEvent{
		ScanID:   scanID,
		Code:     code,
		TsMS:     tsMS,
		DeviceID: deviceID,
		Day:      day,
	}
}
