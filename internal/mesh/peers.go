package mesh

// PeerPhase tracks how far a remote device has progressed toward a shared view.
type PeerPhase string

const (
	// PhaseDiscovering marks a peer loaded from disk but not yet heard from.
	PhaseDiscovering PeerPhase = "discovering"
	// PhaseConnected marks a peer with recent inbound traffic.
	PhaseConnected PeerPhase = "connected"
	// PhaseSynced marks a peer whose last reported state hash matched ours.
	PhaseSynced PeerPhase = "synced"
	// PhaseLost marks a peer past the liveness timeout.
	PhaseLost PeerPhase = "lost"
)

// Peer is the in-memory record for one remote device.
type Peer struct {
	DeviceID        string
	IP              string
	LastSeenMS      int64
	LastHeartbeatMS int64
	StateHash       string
	Phase           PeerPhase
}

// PeerRecord models the persisted peer row so known devices survive restarts.
type PeerRecord struct {
	DeviceID        string `gorm:"column:device_id;primaryKey;size:190;not null"`
	IP              string `gorm:"column:ip;size:64;not null;default:''"`
	LastSeenMS      int64  `gorm:"column:last_seen_ms;not null;default:0"`
	LastHeartbeatMS int64  `gorm:"column:last_heartbeat_ms;not null;default:0"`
	StateHash       string `gorm:"column:state_hash;size:64;not null;default:''"`
	Phase           string `gorm:"column:phase;size:32;not null;default:'discovering'"`
}

// TableName provides the explicit table binding for GORM.
func (PeerRecord) TableName() string {
	return "device_state"
}

func recordFromPeer(peer Peer) PeerRecord {
	return PeerRecord{
		DeviceID:        peer.DeviceID,
		IP:              peer.IP,
		LastSeenMS:      peer.LastSeenMS,
		LastHeartbeatMS: peer.LastHeartbeatMS,
		StateHash:       peer.StateHash,
		Phase:           string(peer.Phase),
	}
}

func peerFromRecord(record PeerRecord) Peer {
	phase := PeerPhase(record.Phase)
	switch phase {
	case PhaseDiscovering, PhaseConnected, PhaseSynced, PhaseLost:
	default:
		phase = PhaseDiscovering
	}
	return Peer{
		DeviceID:        record.DeviceID,
		IP:              record.IP,
		LastSeenMS:      record.LastSeenMS,
		LastHeartbeatMS: record.LastHeartbeatMS,
		StateHash:       record.StateHash,
		Phase:           phase,
	}
}

// PeerTable is the in-memory table of known remote devices. It is not
// self-locking; the engine serialises access under the core lock.
type PeerTable struct {
	peers         map[string]*Peer
	peerTimeoutMS int64
}

// NewPeerTable constructs an empty table with the given liveness timeout.
func NewPeerTable(peerTimeoutMS int64) *PeerTable {
	return &PeerTable{
		peers:         make(map[string]*Peer),
		peerTimeoutMS: peerTimeoutMS,
	}
}

// Restore seeds the table from persisted records. Restored peers start in the
// discovering phase regardless of what was stored; they must prove liveness.
func (t *PeerTable) Restore(records []PeerRecord) {
	for _, record := range records {
		peer := peerFromRecord(record)
		peer.Phase = PhaseDiscovering
		t.peers[peer.DeviceID] = &peer
	}
}

// Observe upserts a peer on inbound traffic and reports whether the device was
// previously unknown. Lost peers re-enter the connected phase on any inbound.
func (t *PeerTable) Observe(deviceID string, ip string, nowMS int64, heartbeat bool, stateHash string) (wasUnknown bool) {
	peer, known := t.peers[deviceID]
	if !known {
		peer = &Peer{DeviceID: deviceID, Phase: PhaseConnected}
		t.peers[deviceID] = peer
		wasUnknown = true
	}
	if ip != "" {
		peer.IP = ip
	}
	peer.LastSeenMS = nowMS
	if heartbeat {
		peer.LastHeartbeatMS = nowMS
	}
	if stateHash != "" {
		peer.StateHash = stateHash
	}
	if peer.Phase == PhaseDiscovering || peer.Phase == PhaseLost {
		peer.Phase = PhaseConnected
	}
	return wasUnknown
}

// MarkSynced advances a peer to the synced phase after a hash match.
func (t *PeerTable) MarkSynced(deviceID string) {
	if peer, ok := t.peers[deviceID]; ok {
		peer.Phase = PhaseSynced
	}
}

// MarkDiverged drops a synced peer back to connected after a hash mismatch.
func (t *PeerTable) MarkDiverged(deviceID string) {
	if peer, ok := t.peers[deviceID]; ok && peer.Phase == PhaseSynced {
		peer.Phase = PhaseConnected
	}
}

// ExpireStale transitions peers past the liveness timeout to lost and returns
// the ids that changed. Lost peers stay in the table so they can resume.
func (t *PeerTable) ExpireStale(nowMS int64) []string {
	expired := make([]string, 0)
	for id, peer := range t.peers {
		if peer.Phase == PhaseLost || peer.LastSeenMS == 0 {
			continue
		}
		if nowMS-peer.LastSeenMS >= t.peerTimeoutMS {
			peer.Phase = PhaseLost
			expired = append(expired, id)
		}
	}
	return expired
}

// Live returns peers within the liveness window that have a usable address.
// Only heartbeat targeting and connected counts use this window; recovery
// traffic goes to every addressable peer so lost peers can resume.
func (t *PeerTable) Live(nowMS int64) []Peer {
	live := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		if peer.IP == "" {
			continue
		}
		if peer.LastSeenMS == 0 || nowMS-peer.LastSeenMS >= t.peerTimeoutMS {
			continue
		}
		live = append(live, *peer)
	}
	return live
}

// Addressable returns every known peer with a usable address, lost or not.
func (t *PeerTable) Addressable() []Peer {
	addressable := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		if peer.IP == "" {
			continue
		}
		addressable = append(addressable, *peer)
	}
	return addressable
}

// ConnectedCount returns the number of live peers.
func (t *PeerTable) ConnectedCount(nowMS int64) int {
	return len(t.Live(nowMS))
}

// Get returns a copy of the record for a device.
func (t *PeerTable) Get(deviceID string) (Peer, bool) {
	peer, ok := t.peers[deviceID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// All returns a copy of every known peer, live or not.
func (t *PeerTable) All() []Peer {
	all := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		all = append(all, *peer)
	}
	return all
}

// Empty reports whether no peer has ever been observed or restored.
func (t *PeerTable) Empty() bool {
	return len(t.peers) == 0
}
