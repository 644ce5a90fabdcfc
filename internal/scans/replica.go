package scans

import (
	"errors"
	"fmt"
	"sort"
)

var (
	errMissingReplicaIDProvider = errors.New("id provider is required")
	// ErrUnknownReplicaCode indicates an ApplyLocal call for a code the replica does not track.
	ErrUnknownReplicaCode = errors.New("scans: code not tracked by replica")
)

// Replica holds the in-memory projection of the replicated scan log: a grow-only
// set of events per code, keyed by scan id, with a cached ordering by
// (timestamp, device id). Merges are idempotent and commutative; set membership
// is determined solely by scan id.
type Replica struct {
	codes      map[string]*codeState
	idProvider IDProvider
	deviceID   string
	eventCount int
}

type codeState struct {
	passType   PassType
	definition PassDefinition
	events     []ScanEvent
	byScanID   map[string]struct{}
}

// ReplicaConfig describes the inputs required to build a Replica.
type ReplicaConfig struct {
	DeviceID   string
	IDProvider IDProvider
}

// NewReplica constructs an empty replica for the local device.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingReplicaIDProvider
	}
	deviceID, err := NewDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	return &Replica{
		codes:      make(map[string]*codeState),
		idProvider: cfg.IDProvider,
		deviceID:   deviceID.String(),
	}, nil
}

// SetPassType registers a code with its admission semantics. Existing events are
// preserved; only the type projection changes.
func (r *Replica) SetPassType(code string, definition PassDefinition) {
	state := r.stateFor(code)
	state.passType = definition.Type
	state.definition = definition
}

// PassType returns the registered semantics for a code.
func (r *Replica) PassType(code string) (PassDefinition, bool) {
	state, ok := r.codes[code]
	if !ok || state.passType == "" {
		return PassDefinition{}, false
	}
	return state.definition, true
}

// ApplyLocal creates a new event for a locally admitted scan, appends it, and
// returns it. Callers must have run the admission predicate first.
func (r *Replica) ApplyLocal(code string, day string, nowMS int64) (ScanEvent, error) {
	if _, ok := r.codes[code]; !ok {
		return ScanEvent{}, fmt.Errorf("%w: %s", ErrUnknownReplicaCode, code)
	}
	scanID, err := r.idProvider.NewID()
	if err != nil {
		return ScanEvent{}, err
	}
	event := ScanEvent{
		ScanID:   scanID,
		Code:     code,
		TsMS:     nowMS,
		DeviceID: r.deviceID,
		Day:      day,
	}
	r.append(event)
	return event, nil
}

// MergeDeltas folds incoming events into the replica and returns the events that
// were actually new. Events already present (by scan id) or failing validation
// are dropped.
func (r *Replica) MergeDeltas(events []ScanEvent) []ScanEvent {
	newEvents := make([]ScanEvent, 0, len(events))
	touched := make(map[string]struct{})
	for _, event := range events {
		if event.Validate() != nil {
			continue
		}
		state := r.stateFor(event.Code)
		if _, seen := state.byScanID[event.ScanID]; seen {
			continue
		}
		state.byScanID[event.ScanID] = struct{}{}
		state.events = append(state.events, event)
		touched[event.Code] = struct{}{}
		r.eventCount++
		newEvents = append(newEvents, event)
	}
	for code := range touched {
		sortEvents(r.codes[code].events)
	}
	return newEvents
}

// FullState is the wire representation of an entire replica: every code with its
// declared type and complete event list.
type FullState map[string]FullStateEntry

// FullStateEntry carries one code's type and events inside a full-state snapshot.
type FullStateEntry struct {
	Type  PassType    `json:"type"`
	Scans []ScanEvent `json:"scans"`
}

// MergeFullState flattens a snapshot into a delta list and merges it. Codes the
// replica has not seen are admitted with the type declared by the snapshot.
func (r *Replica) MergeFullState(snapshot FullState) []ScanEvent {
	flattened := make([]ScanEvent, 0)
	for code, entry := range snapshot {
		if code == "" {
			continue
		}
		state := r.stateFor(code)
		if state.passType == "" && entry.Type != "" {
			if parsed, err := ParsePassType(string(entry.Type)); err == nil {
				state.passType = parsed
				state.definition = PassDefinition{Type: parsed}
			}
		}
		flattened = append(flattened, entry.Scans...)
	}
	return r.MergeDeltas(flattened)
}

// Snapshot returns the full replica view suitable for a full-state message.
func (r *Replica) Snapshot() FullState {
	snapshot := make(FullState, len(r.codes))
	for code, state := range r.codes {
		events := make([]ScanEvent, len(state.events))
		copy(events, state.events)
		snapshot[code] = FullStateEntry{Type: state.passType, Scans: events}
	}
	return snapshot
}

// ScansFor returns the ordered events for a code.
func (r *Replica) ScansFor(code string) []ScanEvent {
	state, ok := r.codes[code]
	if !ok {
		return nil
	}
	events := make([]ScanEvent, len(state.events))
	copy(events, state.events)
	return events
}

// ScansForDay returns the ordered events for a code restricted to one event day.
func (r *Replica) ScansForDay(code string, day string) []ScanEvent {
	state, ok := r.codes[code]
	if !ok {
		return nil
	}
	events := make([]ScanEvent, 0)
	for _, event := range state.events {
		if event.Day == day {
			events = append(events, event)
		}
	}
	return events
}

// EventCount returns the number of events across all codes.
func (r *Replica) EventCount() int {
	return r.eventCount
}

// StateHash returns the deterministic fingerprint all peers compare during
// reconciliation: "empty" with no events, otherwise
// "{count}-{min scan id prefix}-{max scan id prefix}" over ascending scan ids.
func (r *Replica) StateHash() string {
	if r.eventCount == 0 {
		return "empty"
	}
	minID := ""
	maxID := ""
	for _, state := range r.codes {
		for id := range state.byScanID {
			if minID == "" || id < minID {
				minID = id
			}
			if id > maxID {
				maxID = id
			}
		}
	}
	return fmt.Sprintf("%d-%s-%s", r.eventCount, idPrefix(minID), idPrefix(maxID))
}

func idPrefix(scanID string) string {
	if len(scanID) > 8 {
		return scanID[:8]
	}
	return scanID
}

func (r *Replica) stateFor(code string) *codeState {
	state, ok := r.codes[code]
	if !ok {
		state = &codeState{byScanID: make(map[string]struct{})}
		r.codes[code] = state
	}
	return state
}

func (r *Replica) append(event ScanEvent) {
	state := r.stateFor(event.Code)
	if _, seen := state.byScanID[event.ScanID]; seen {
		return
	}
	state.byScanID[event.ScanID] = struct{}{}
	state.events = append(state.events, event)
	sortEvents(state.events)
	r.eventCount++
}

func sortEvents(events []ScanEvent) {
	sort.SliceStable(events, func(left, right int) bool {
		if events[left].TsMS != events[right].TsMS {
			return events[left].TsMS < events[right].TsMS
		}
		return events[left].DeviceID < events[right].DeviceID
	})
}
