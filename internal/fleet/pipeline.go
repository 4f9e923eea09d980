package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
)

// updateQueueSize bounds the queue between the transport's read
// goroutine and the merge goroutine. Enqueueing blocks when full, so a
// slow merge throttles the websocket read instead of losing events.
const updateQueueSize = 256

// queued is one raw record awaiting merge, with its ordering token
// already assigned. Stream events take a token each at receive time;
// all records of one snapshot batch share the token taken when the
// fetch began.
type queued struct {
	record evok.Record
	token  uint64
	source evok.StateSource
}

// pipeline owns ingestion and merging for a single device: ordering
// tokens, the bounded update queue, the merge goroutine and entity
// resolution at first sight of each circuit.
type pipeline struct {
	deviceID  string
	transport Transport
	adapter   *evok.Adapter
	registry  Registry
	table     *stateTable

	// seq issues ordering tokens, monotonically per device.
	seq atomic.Uint64

	queue chan queued

	// notify and notifyStatus dispatch inline on the merge goroutine so
	// per-circuit notification order follows version_seen.
	notify       func(Notification)
	notifyStatus func(StatusChange)

	// Owned by the merge goroutine; no locking needed.
	identities map[string]entity.Identity
	collided   map[string]bool

	statusMu sync.Mutex
	status   DeviceStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger Logger
}

func newPipeline(deviceID string, transport Transport, adapter *evok.Adapter,
	registry Registry, notify func(Notification), notifyStatus func(StatusChange),
	logger Logger) *pipeline {
	return &pipeline{
		deviceID:     deviceID,
		transport:    transport,
		adapter:      adapter,
		registry:     registry,
		table:        newStateTable(),
		queue:        make(chan queued, updateQueueSize),
		notify:       notify,
		notifyStatus: notifyStatus,
		identities:   make(map[string]entity.Identity),
		collided:     make(map[string]bool),
		status:       StatusOffline,
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
}

// start ingests the initial snapshot, wires transport callbacks and
// opens the stream. The snapshot batch is enqueued before the stream
// callbacks exist, so the initial snapshot is fully ordered ahead of
// the first stream event.
func (p *pipeline) start(ctx context.Context, snapshot []evok.Record) error {
	p.wg.Add(1)
	go p.mergeLoop()

	p.enqueueBatch(snapshot, p.seq.Add(1))

	p.transport.SetOnEvent(p.handleEvents)
	p.transport.SetOnConnect(p.handleConnect)
	p.transport.SetOnDisconnect(func(err error) {
		p.setStatus(StatusOffline, errString(err))
	})
	p.transport.SetOnGiveUp(func(err error) {
		p.setStatus(StatusDegraded, errString(err))
	})

	if err := p.transport.Start(ctx); err != nil {
		p.stop()
		return err
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// handleEvents runs on the transport read goroutine. Filtered events
// produce no queue entry; accepted ones take a token each.
func (p *pipeline) handleEvents(records []evok.Record) {
	for _, r := range records {
		if !p.adapter.AcceptsEvent(r.Dev) {
			continue
		}
		p.enqueue(queued{record: r, token: p.seq.Add(1), source: evok.SourceStream})
	}
}

// handleConnect re-synchronises after a reconnect with one snapshot.
// The token is taken when the fetch begins, so circuits repaired from
// the snapshot never regress values merged from newer stream events,
// while stale pre-disconnect queue contents lose to it. The stream does
// not resume until this returns, preserving snapshot-before-stream
// ordering.
func (p *pipeline) handleConnect(reconnected bool) {
	if reconnected {
		token := p.seq.Add(1)
		records, err := p.transport.FetchSnapshot(context.Background())
		if err != nil {
			p.logError("post-reconnect snapshot failed", err)
		} else {
			p.enqueueBatch(records, token)
		}
	}
	p.setStatus(StatusOnline, "")
}

// enqueueBatch queues every record of a snapshot under one shared token.
func (p *pipeline) enqueueBatch(records []evok.Record, token uint64) {
	for _, r := range records {
		p.enqueue(queued{record: r, token: token, source: evok.SourceSnapshot})
	}
}

// enqueue blocks when the queue is full; it never drops. Stop unblocks
// any waiter.
func (p *pipeline) enqueue(q queued) {
	select {
	case p.queue <- q:
	case <-p.stopCh:
	}
}

// mergeLoop is the single consumer of the update queue.
func (p *pipeline) mergeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case q := <-p.queue:
			p.merge(q)
		}
	}
}

// merge normalises one record and applies the resulting states.
func (p *pipeline) merge(q queued) {
	states, err := p.adapter.Normalize(q.record)
	if err != nil {
		if errors.Is(err, evok.ErrUnknownTypeTag) {
			p.logDebug("skipping record with unknown tag", "dev", q.record.Dev, "circuit", q.record.Circuit)
		} else {
			p.logWarn("skipping malformed record", "error", err)
		}
		return
	}

	now := time.Now()
	for _, s := range states {
		identity, registered := p.resolveIdentity(s)

		merged, accepted := p.table.apply(s, q.token, q.source, now)
		if !accepted {
			continue
		}

		// A collided circuit still merges locally but emits no upward
		// notifications until an operator resolves the key clash.
		if registered && p.notify != nil {
			p.notify(Notification{
				DeviceID:    p.deviceID,
				EntityKey:   identity.EntityKey,
				DisplayName: identity.DisplayName,
				State:       merged,
			})
		}
	}
}

// resolveIdentity returns the circuit's entity identity, resolving it
// on first sight. Collisions leave the circuit permanently
// unregistered and are surfaced in the log, never remapped.
func (p *pipeline) resolveIdentity(s evok.CircuitState) (entity.Identity, bool) {
	if id, ok := p.identities[s.CircuitID]; ok {
		return id, true
	}
	if p.collided[s.CircuitID] {
		return entity.Identity{}, false
	}

	defaultName := entity.DefaultDisplayName(p.deviceID, s.CircuitID, s.Alias)
	id, err := p.registry.Resolve(context.Background(), p.deviceID, s.CircuitID, defaultName)
	if err != nil {
		if errors.Is(err, entity.ErrKeyCollision) {
			p.collided[s.CircuitID] = true
			p.logError("entity key collision, circuit left unregistered", err)
		} else {
			// Transient (e.g. database); retried on the next update.
			p.logWarn("entity resolution failed", "circuit", s.CircuitID, "error", err)
		}
		return entity.Identity{}, false
	}

	p.identities[s.CircuitID] = id
	return id, true
}

// setStatus dispatches a status change on transition.
func (p *pipeline) setStatus(status DeviceStatus, reason string) {
	p.statusMu.Lock()
	changed := p.status != status
	p.status = status
	p.statusMu.Unlock()

	if changed && p.notifyStatus != nil {
		p.notifyStatus(StatusChange{
			DeviceID:  p.deviceID,
			Status:    status,
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
}

func (p *pipeline) currentStatus() DeviceStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

// stop cancels ingestion, closes the transport and waits for the merge
// goroutine. No notification is delivered after stop returns.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		_ = p.transport.Close()
	})
	p.wg.Wait()
}

func (p *pipeline) logDebug(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, keysAndValues...)
	}
}

func (p *pipeline) logWarn(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, keysAndValues...)
	}
}

func (p *pipeline) logError(msg string, err error) {
	if p.logger != nil {
		p.logger.Error(msg, "error", err)
	}
}
