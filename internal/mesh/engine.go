package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marqueelabs/gatesync/internal/scans"
)

const (
	ackRetryMinAgeMS     = 5_000
	ackRetryMaxAttempts  = 5
	broadcastMaxAttempts = 5
	broadcastBatchLimit  = 10
)

var (
	errMissingReplica    = errors.New("mesh: replica is required")
	errMissingScanStore  = errors.New("mesh: scan store is required")
	errMissingMeshStore  = errors.New("mesh: mesh store is required")
	errMissingTransport  = errors.New("mesh: transport is required")
	errMissingProvider   = errors.New("mesh: id provider is required")
	errMissingDeviceID   = errors.New("mesh: device id is required")
	errMissingSharedLock = errors.New("mesh: shared lock is required")
)

// EngineConfig describes the dependencies and tuning of the gossip engine.
type EngineConfig struct {
	DeviceID      string
	Replica       *scans.Replica
	ScanStore     *scans.Service
	Store         *Store
	Transport     Transport
	IDProvider    scans.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
	SharedLock    *sync.Mutex
	PeerTimeoutMS int64
	CacheCapacity int

	HeartbeatPeriod  time.Duration
	RetryAckPeriod   time.Duration
	StateHashPeriod  time.Duration
	FullSyncPeriod   time.Duration
	RetryQueuePeriod time.Duration

	// OnNewEvents is invoked after the lock is released with remote events the
	// replica actually learned from deltas and full states. Local accepts are not
	// reported through the engine.
	OnNewEvents func(events []scans.ScanEvent, remote bool)
}

// Engine runs the gossip protocol: discovery, delta dissemination with ack
// tracking, heartbeat, state-hash reconciliation, and full-state repair.
// In-memory state is guarded by the shared core lock; persistence and sends
// happen after the lock is released, so a store failure never stalls the
// replica.
type Engine struct {
	deviceID   string
	replica    *scans.Replica
	scanStore  *scans.Service
	store      *Store
	transport  Transport
	idProvider scans.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	mu         *sync.Mutex

	peers    *PeerTable
	pending  *PendingTable
	received *ReceivedCache

	sequenceNum int64
	lastSyncMS  int64

	onNewEvents func(events []scans.ScanEvent, remote bool)

	cfg    EngineConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine validates the configuration and returns a stopped engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	if cfg.ScanStore == nil {
		return nil, errMissingScanStore
	}
	if cfg.Store == nil {
		return nil, errMissingMeshStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.IDProvider == nil {
		return nil, errMissingProvider
	}
	if cfg.SharedLock == nil {
		return nil, errMissingSharedLock
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	peerTimeout := cfg.PeerTimeoutMS
	if peerTimeout <= 0 {
		peerTimeout = 30_000
	}

	return &Engine{
		deviceID:    cfg.DeviceID,
		replica:     cfg.Replica,
		scanStore:   cfg.ScanStore,
		store:       cfg.Store,
		transport:   cfg.Transport,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
		mu:          cfg.SharedLock,
		peers:       NewPeerTable(peerTimeout),
		pending:     NewPendingTable(),
		received:    NewReceivedCache(cfg.CacheCapacity),
		onNewEvents: cfg.OnNewEvents,
		cfg:         cfg,
	}, nil
}

// Start restores peers from disk, begins receiving, launches the timers, and
// broadcasts a state request so the device re-learns what it missed.
func (e *Engine) Start(ctx context.Context) error {
	records, err := e.store.LoadPeers(ctx)
	if err != nil {
		e.logger.Warn("peer restore failed", zap.Error(err))
	} else {
		e.mu.Lock()
		e.peers.Restore(records)
		e.mu.Unlock()
	}

	if err := e.transport.Start(e.HandleDatagram); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	scheduler := NewScheduler()
	scheduler.Add("heartbeat", e.cfg.HeartbeatPeriod, e.tickHeartbeat)
	scheduler.Add("retry-ack", e.cfg.RetryAckPeriod, e.tickRetryAck)
	scheduler.Add("state-hash", e.cfg.StateHashPeriod, e.tickStateHash)
	scheduler.Add("full-sync", e.cfg.FullSyncPeriod, e.tickFullSync)
	scheduler.Add("retry-queue", e.cfg.RetryQueuePeriod, e.tickRetryQueue)
	go func() {
		defer close(e.done)
		scheduler.Run(runCtx)
	}()

	e.RescanPeers()
	return nil
}

// Stop cancels the timers and closes the transport.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if err := e.transport.Close(); err != nil {
		e.logger.Warn("transport close failed", zap.Error(err))
	}
}

// RescanPeers broadcasts a state request to pull the fleet into a shared view.
func (e *Engine) RescanPeers() {
	e.mu.Lock()
	envelope := e.newEnvelope(KindStateRequest)
	e.mu.Unlock()
	e.sendToAllPeers(envelope)
}

// DisseminateDelta sends locally admitted events to every known peer with an
// address, tracking each recipient for acks; with an empty peer table it falls
// back to an untracked broadcast.
func (e *Engine) DisseminateDelta(events []scans.ScanEvent) {
	if len(events) == 0 {
		return
	}

	e.mu.Lock()
	envelope := e.newEnvelope(KindDelta)
	messageID, err := e.idProvider.NewID()
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("message id generation failed", zap.Error(err))
		return
	}
	envelope.MessageID = messageID
	envelope.Deltas = events

	payload, err := envelope.Encode()
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("delta encode failed", zap.Error(err))
		return
	}

	nowMS := e.clock().UnixMilli()
	empty := e.peers.Empty()
	recipients := e.peers.Addressable()
	for _, recipient := range recipients {
		e.pending.Track(messageID, recipient.DeviceID, recipient.IP, payload, nowMS)
	}
	e.mu.Unlock()

	if empty {
		if err := e.transport.SendBroadcast(payload); err != nil {
			e.logger.Warn("delta broadcast failed", zap.Error(err))
			e.enqueueBroadcast(payload)
		}
		return
	}
	for _, recipient := range recipients {
		if err := e.transport.SendUnicast(payload, recipient.IP); err != nil {
			e.logger.Warn("delta unicast failed",
				zap.String("peer", recipient.DeviceID),
				zap.Error(err))
			e.enqueueBroadcast(payload)
		}
	}
}

// HandleDatagram is the transport callback: the strict inbound pipeline of
// parse, self drop, duplicate suppression, peer upsert, then per-kind dispatch.
func (e *Engine) HandleDatagram(payload []byte, remoteIP string, remotePort int) {
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		e.logger.Debug("dropping undecodable datagram",
			zap.String("remote_ip", remoteIP),
			zap.Error(err))
		return
	}
	if envelope.DeviceID == e.deviceID {
		return
	}

	nowMS := e.clock().UnixMilli()

	e.mu.Lock()
	if envelope.MessageID != "" && e.received.Seen(envelope.MessageID) {
		e.mu.Unlock()
		return
	}
	e.received.Record(envelope.MessageID)

	wasUnknown := e.peers.Observe(
		envelope.DeviceID,
		remoteIP,
		nowMS,
		envelope.Type == KindHeartbeat,
		envelope.StateHash,
	)
	peerSnapshot, _ := e.peers.Get(envelope.DeviceID)
	e.mu.Unlock()

	e.persistPeer(peerSnapshot)

	if wasUnknown {
		e.logger.Info("discovered peer",
			zap.String("peer", envelope.DeviceID),
			zap.String("ip", remoteIP))
		e.RescanPeers()
	}

	switch envelope.Type {
	case KindDelta:
		e.handleDelta(envelope, remoteIP)
	case KindFullState:
		e.handleFullState(envelope)
	case KindStateRequest:
		e.handleStateRequest()
	case KindAck:
		e.handleAck(envelope)
	case KindHeartbeat:
		// Liveness already recorded by the peer upsert.
	case KindStateHash:
		e.handleStateHash(envelope)
	}
}

func (e *Engine) handleDelta(envelope Envelope, remoteIP string) {
	e.mu.Lock()
	newEvents := e.replica.MergeDeltas(envelope.Deltas)
	e.bumpProjection(newEvents)
	ack := e.newEnvelope(KindAck)
	ack.AckMessageID = envelope.MessageID
	e.mu.Unlock()

	e.persistEvents(newEvents)

	payload, err := ack.Encode()
	if err != nil {
		e.logger.Error("ack encode failed", zap.Error(err))
	} else if err := e.transport.SendUnicast(payload, remoteIP); err != nil {
		e.logger.Warn("ack send failed",
			zap.String("peer", envelope.DeviceID),
			zap.Error(err))
	}

	e.notifyNewEvents(newEvents, true)
}

func (e *Engine) handleFullState(envelope Envelope) {
	nowMS := e.clock().UnixMilli()

	e.mu.Lock()
	newEvents := e.replica.MergeFullState(envelope.FullState)
	e.bumpProjection(newEvents)
	e.lastSyncMS = nowMS
	e.mu.Unlock()

	e.persistEvents(newEvents)
	if len(newEvents) > 0 {
		e.logger.Info("merged full state",
			zap.String("peer", envelope.DeviceID),
			zap.Int("new_events", len(newEvents)))
	}
	e.notifyNewEvents(newEvents, true)
}

func (e *Engine) handleStateRequest() {
	e.sendFullStateToAllPeers()
}

func (e *Engine) handleAck(envelope Envelope) {
	e.mu.Lock()
	acknowledged := e.pending.Acknowledge(envelope.AckMessageID, envelope.DeviceID)
	e.mu.Unlock()
	if !acknowledged {
		e.logger.Debug("ack without pending entry",
			zap.String("peer", envelope.DeviceID),
			zap.String("message_id", envelope.AckMessageID))
	}
}

func (e *Engine) handleStateHash(envelope Envelope) {
	e.mu.Lock()
	localHash := e.replica.StateHash()
	match := localHash == envelope.StateHash
	if match {
		e.peers.MarkSynced(envelope.DeviceID)
		e.lastSyncMS = e.clock().UnixMilli()
	} else {
		e.peers.MarkDiverged(envelope.DeviceID)
	}
	peerSnapshot, _ := e.peers.Get(envelope.DeviceID)
	e.mu.Unlock()

	e.persistPeer(peerSnapshot)

	if !match {
		e.logger.Info("state hash mismatch",
			zap.String("peer", envelope.DeviceID),
			zap.String("local", localHash),
			zap.String("remote", envelope.StateHash))
		e.RescanPeers()
	}
}

func (e *Engine) tickHeartbeat() {
	nowMS := e.clock().UnixMilli()

	e.mu.Lock()
	expired := e.peers.ExpireStale(nowMS)
	expiredPeers := make([]Peer, 0, len(expired))
	for _, id := range expired {
		if peer, ok := e.peers.Get(id); ok {
			expiredPeers = append(expiredPeers, peer)
		}
	}
	envelope := e.newEnvelope(KindHeartbeat)
	envelope.StateHash = e.replica.StateHash()
	recipients := e.peers.Live(nowMS)
	e.mu.Unlock()

	for _, peer := range expiredPeers {
		e.logger.Info("peer lost", zap.String("peer", peer.DeviceID))
		e.persistPeer(peer)
	}

	e.unicastToPeers(envelope, recipients)
}

func (e *Engine) tickStateHash() {
	e.mu.Lock()
	envelope := e.newEnvelope(KindStateHash)
	envelope.StateHash = e.replica.StateHash()
	recipients := e.peers.Addressable()
	e.mu.Unlock()

	e.unicastToPeers(envelope, recipients)
}

func (e *Engine) tickFullSync() {
	e.sendFullStateToAllPeers()
}

func (e *Engine) tickRetryAck() {
	nowMS := e.clock().UnixMilli()

	e.mu.Lock()
	due := e.pending.Due(nowMS, ackRetryMinAgeMS, ackRetryMaxAttempts)
	resend := make([]PendingOutbound, 0, len(due))
	for _, entry := range due {
		e.pending.MarkResent(entry, nowMS)
		resend = append(resend, *entry)
	}
	e.mu.Unlock()

	for _, entry := range resend {
		if err := e.transport.SendUnicast(entry.Payload, entry.IP); err != nil {
			e.logger.Warn("ack retry send failed",
				zap.String("peer", entry.DeviceID),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err))
		}
	}
}

func (e *Engine) tickRetryQueue() {
	ctx := context.Background()
	entries, err := e.store.NextBroadcasts(ctx, broadcastMaxAttempts, broadcastBatchLimit)
	if err != nil {
		e.logger.Warn("broadcast queue read failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if err := e.transport.SendBroadcast(entry.Payload); err != nil {
			e.logger.Warn("broadcast retry failed",
				zap.Int64("entry", entry.ID),
				zap.Error(err))
			if err := e.store.BumpBroadcastAttempts(ctx, entry.ID); err != nil {
				e.logger.Warn("broadcast attempt bump failed", zap.Error(err))
			}
			continue
		}
		if err := e.store.DeleteBroadcast(ctx, entry.ID); err != nil {
			e.logger.Warn("broadcast dequeue failed", zap.Error(err))
		}
	}
}

// Health summarises the gossip view for the shell.
type Health struct {
	PeersConnected int
	PendingAcks    int
	LastSyncMS     int64
}

// Health returns the current gossip health counters.
func (e *Engine) Health() Health {
	nowMS := e.clock().UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Health{
		PeersConnected: e.peers.ConnectedCount(nowMS),
		PendingAcks:    e.pending.Len(),
		LastSyncMS:     e.lastSyncMS,
	}
}

// Peers returns a copy of the peer table for diagnostics.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.All()
}

// newEnvelope builds the common header. Callers must hold the shared lock.
func (e *Engine) newEnvelope(kind Kind) Envelope {
	e.sequenceNum++
	return Envelope{
		Type:        kind,
		DeviceID:    e.deviceID,
		SequenceNum: e.sequenceNum,
		Timestamp:   e.clock().UnixMilli(),
	}
}

// sendToAllPeers applies the outbound policy: broadcast for state requests or
// an empty peer table, otherwise unicast to every known peer with an address.
// Lost peers stay in the recipient set so full-state and state-hash traffic can
// resume them.
func (e *Engine) sendToAllPeers(envelope Envelope) {
	payload, err := envelope.Encode()
	if err != nil {
		e.logger.Error("envelope encode failed", zap.String("kind", string(envelope.Type)), zap.Error(err))
		return
	}

	e.mu.Lock()
	empty := e.peers.Empty()
	recipients := e.peers.Addressable()
	e.mu.Unlock()

	if empty || envelope.Type == KindStateRequest {
		if err := e.transport.SendBroadcast(payload); err != nil {
			e.logger.Warn("broadcast failed", zap.String("kind", string(envelope.Type)), zap.Error(err))
			if !errors.Is(err, ErrPayloadTooLarge) {
				e.enqueueBroadcast(payload)
			}
		}
		return
	}

	e.sendUnicastPayload(payload, recipients)
}

func (e *Engine) unicastToPeers(envelope Envelope, recipients []Peer) {
	payload, err := envelope.Encode()
	if err != nil {
		e.logger.Error("envelope encode failed", zap.String("kind", string(envelope.Type)), zap.Error(err))
		return
	}
	e.sendUnicastPayload(payload, recipients)
}

func (e *Engine) sendUnicastPayload(payload []byte, recipients []Peer) {
	for _, recipient := range recipients {
		if err := e.transport.SendUnicast(payload, recipient.IP); err != nil {
			e.logger.Warn("unicast failed",
				zap.String("peer", recipient.DeviceID),
				zap.Error(err))
			if errors.Is(err, ErrPayloadTooLarge) {
				// Oversized payloads are not queued; retrying cannot shrink them.
				return
			}
			e.enqueueBroadcast(payload)
		}
	}
}

func (e *Engine) sendFullStateToAllPeers() {
	e.mu.Lock()
	envelope := e.newEnvelope(KindFullState)
	envelope.FullState = e.replica.Snapshot()
	e.mu.Unlock()
	e.sendToAllPeers(envelope)
}

// bumpProjection updates the pass-type counters for newly learned events.
// Callers must hold the shared lock.
func (e *Engine) bumpProjection(newEvents []scans.ScanEvent) {
	for _, event := range newEvents {
		definition, known := e.replica.PassType(event.Code)
		if !known {
			continue
		}
		definition.Counter++
		e.replica.SetPassType(event.Code, definition)
	}
}

func (e *Engine) persistEvents(events []scans.ScanEvent) {
	if len(events) == 0 {
		return
	}
	ctx := context.Background()
	if err := e.scanStore.AppendScansBatch(ctx, events); err != nil {
		// The replica already advanced; full-state sync heals any divergence
		// across restarts.
		e.logger.Warn("scan persistence failed", zap.Int("events", len(events)), zap.Error(err))
		return
	}
	codes := make(map[string]struct{})
	for _, event := range events {
		codes[event.Code] = struct{}{}
	}
	e.mu.Lock()
	definitions := make(map[string]scans.PassDefinition, len(codes))
	for code := range codes {
		if definition, known := e.replica.PassType(code); known {
			definitions[code] = definition
		}
	}
	e.mu.Unlock()
	for code, definition := range definitions {
		if err := e.scanStore.UpsertPassType(ctx, code, definition); err != nil {
			e.logger.Warn("pass type persistence failed", zap.String("code", code), zap.Error(err))
		}
	}
}

func (e *Engine) persistPeer(peer Peer) {
	if peer.DeviceID == "" {
		return
	}
	if err := e.store.UpsertPeer(context.Background(), peer); err != nil {
		e.logger.Warn("peer persistence failed", zap.String("peer", peer.DeviceID), zap.Error(err))
	}
}

func (e *Engine) enqueueBroadcast(payload []byte) {
	if err := e.store.EnqueueBroadcast(context.Background(), payload); err != nil {
		e.logger.Warn("broadcast enqueue failed", zap.Error(err))
	}
}

func (e *Engine) notifyNewEvents(events []scans.ScanEvent, remote bool) {
	if e.onNewEvents == nil || len(events) == 0 {
		return
	}
	e.onNewEvents(events, remote)
}
