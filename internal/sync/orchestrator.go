package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhq/lumen/internal/api"
	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/auth"
	"github.com/lumenhq/lumen/internal/config"
	"github.com/lumenhq/lumen/internal/db"
	"github.com/lumenhq/lumen/internal/logging"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/push"
	"github.com/lumenhq/lumen/internal/sync/conflict"
	"github.com/lumenhq/lumen/internal/uuid"
)

// Status is the orchestrator's user-visible sync state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// Orchestrator owns the sync lifecycle: the periodic timer, the single
// in-flight worker cycle, and the push channel. UI-facing methods never
// block on network I/O.
type Orchestrator struct {
	store   *db.Store
	client  *api.Client
	channel *push.Channel
	tokens  *auth.TokenStore
	worker  *Worker
	cfg     config.SyncConfig
	log     *logrus.Entry

	mu          sync.Mutex
	status      Status
	lastSyncAt  int64
	lastErr     error
	started     bool
	inFlight    bool
	stopCh      chan struct{}
	cancelCycle context.CancelFunc

	statusSubs []func(Status)
	changeSubs []func(entityType string, localID models.UUID)
	deleteSubs []func(entityType string, localID models.UUID)

	timerWg sync.WaitGroup
	cycleWg sync.WaitGroup
}

// NewOrchestrator wires the sync engine together. Call Start to begin
// syncing.
func NewOrchestrator(store *db.Store, client *api.Client, channel *push.Channel,
	tokens *auth.TokenStore, cfg config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		store:   store,
		client:  client,
		channel: channel,
		tokens:  tokens,
		worker:  NewWorker(store, client, cfg.QueueBatchSize),
		cfg:     cfg,
		status:  StatusOffline,
		log:     logging.WithComponent("sync.orchestrator"),
	}
}

// OnStatusChange subscribes to status transitions. Subscribe before Start;
// callbacks run on orchestrator goroutines and must not block.
func (o *Orchestrator) OnStatusChange(fn func(Status)) {
	o.statusSubs = append(o.statusSubs, fn)
}

// OnRemoteChange subscribes to remote-origin creates and updates applied to
// the local store.
func (o *Orchestrator) OnRemoteChange(fn func(entityType string, localID models.UUID)) {
	o.changeSubs = append(o.changeSubs, fn)
}

// OnRemoteDelete subscribes to remote-origin deletions.
func (o *Orchestrator) OnRemoteDelete(fn func(entityType string, localID models.UUID)) {
	o.deleteSubs = append(o.deleteSubs, fn)
}

// Start arms the periodic timer, connects the push channel, and triggers an
// immediate cycle. Calling Start twice is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.client.SetOnTokenRefresh(func(t auth.Tokens) {
		if err := o.tokens.Save(t); err != nil {
			o.log.WithError(err).Error("failed to persist refreshed tokens")
		}
		o.channel.UpdateToken(t.AccessToken)
	})
	o.channel.OnEvent(o.handlePushEvent)
	o.channel.OnStateChange(o.handlePushState)
	o.channel.Start(o.client.AccessToken())

	o.timerWg.Add(1)
	go o.timerLoop()
	go o.SyncAll()
}

// Stop cancels the timer, asks the in-flight cycle to finish its current
// item, waits up to the stop timeout, then tears down the push channel.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopCh)
	if o.cancelCycle != nil {
		o.cancelCycle()
	}
	o.mu.Unlock()

	o.timerWg.Wait()

	done := make(chan struct{})
	go func() {
		o.cycleWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.StopTimeout):
		o.log.Warn("sync cycle did not stop within timeout")
	}

	o.channel.Stop()
}

func (o *Orchestrator) timerLoop() {
	defer o.timerWg.Done()
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.SyncAll()
		}
	}
}

// SyncAll runs one sync cycle synchronously. At most one cycle runs at a
// time; a call while one is in flight is skipped with a warning. On an
// unreachable server the orchestrator goes offline without starting a
// worker.
func (o *Orchestrator) SyncAll() {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		o.log.Warn("sync already in flight, skipping")
		return
	}
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelCycle = cancel
	var lastSyncAt *int64
	if o.lastSyncAt != 0 {
		at := o.lastSyncAt
		lastSyncAt = &at
	}
	o.mu.Unlock()

	o.cycleWg.Add(1)
	defer o.cycleWg.Done()
	defer cancel()

	if err := o.client.Ping(ctx); err != nil {
		o.mu.Lock()
		o.inFlight = false
		o.lastErr = err
		o.mu.Unlock()
		if apperrors.IsAuth(err) {
			o.log.WithError(err).Error("session expired, sync paused")
			o.setStatus(StatusError)
		} else {
			o.log.WithError(err).Info("server unreachable, going offline")
			o.setStatus(StatusOffline)
		}
		return
	}

	o.setStatus(StatusSyncing)
	res := o.worker.RunCycle(ctx, lastSyncAt)

	if o.cfg.QueueRetention > 0 {
		if n, err := o.store.GCQueue(time.Now().Add(-o.cfg.QueueRetention)); err == nil && n > 0 {
			o.log.WithField("removed", n).Debug("sync queue trimmed")
		}
	}

	pending, err := o.store.PendingQueueCount()
	if err != nil {
		o.log.WithError(err).Error("failed to count pending queue entries")
	}

	o.mu.Lock()
	o.inFlight = false
	if res.ErrorCount == 0 {
		o.lastSyncAt = time.Now().Unix()
		o.lastErr = nil
	}
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{
		"success": res.SuccessCount,
		"errors":  res.ErrorCount,
		"pending": pending,
	}).Info("sync cycle finished")

	switch {
	case res.ErrorCount > 0:
		o.setStatus(StatusError)
	case pending > 0:
		o.setStatus(StatusPending)
	default:
		o.setStatus(StatusSynced)
	}
}

// NotifyLocalChange tells the orchestrator a local edit was queued, so the
// status indicator flips to pending between cycles.
func (o *Orchestrator) NotifyLocalChange() {
	o.mu.Lock()
	flip := !o.inFlight && o.status != StatusOffline
	o.mu.Unlock()
	if flip {
		o.setStatus(StatusPending)
	}
}

// Status returns the current sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastSyncAt returns the unix time of the last fully clean cycle, zero if
// none yet.
func (o *Orchestrator) LastSyncAt() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSyncAt
}

// LastError returns the most recent cycle or connection error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	if o.status == s {
		o.mu.Unlock()
		return
	}
	o.status = s
	o.mu.Unlock()
	for _, fn := range o.statusSubs {
		fn(s)
	}
}

// handlePushEvent applies one remote-origin event to the store, using the
// same last-write-wins rule as uploads. Events are independently
// idempotent; replays are harmless.
func (o *Orchestrator) handlePushEvent(ev push.Event) {
	entityType := ev.EntityType
	switch ev.Type {
	case push.EventLinkCreated, push.EventLinkDeleted:
		entityType = models.EntityTypeNoteLink
	}

	switch ev.Type {
	case push.EventEntityCreated, push.EventEntityUpdated, push.EventLinkCreated:
		o.applyRemoteUpsert(entityType, ev)
	case push.EventEntityDeleted, push.EventLinkDeleted:
		o.applyRemoteDelete(entityType, ev)
	case push.EventError:
		o.mu.Lock()
		o.lastErr = apperrors.New(apperrors.CodeTransport, ev.Message)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) applyRemoteUpsert(entityType string, ev push.Event) {
	server := &api.ServerEntity{
		ServerID:  ev.ServerID,
		Type:      entityType,
		Version:   ev.Version,
		UpdatedAt: ev.UpdatedAt,
		DeletedAt: ev.DeletedAt,
		Fields:    ev.Fields,
	}

	localID := models.UUID("")
	existing, err := o.store.EnvelopeByServerID(entityType, ev.ServerID)
	switch {
	case apperrors.IsNotFound(err):
		localID = models.UUID(uuid.New())
	case err != nil:
		o.log.WithError(err).Error("push event lookup failed")
		return
	default:
		if !conflict.ShouldApplyRemote(existing.Version, ev.Version) {
			o.log.WithFields(logrus.Fields{
				"entity_type": entityType,
				"server_id":   ev.ServerID,
			}).Debug("ignoring stale push event")
			return
		}
		localID = existing.LocalID
	}

	if err := applyServerEntity(o.store, entityType, localID, server); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"entity_type": entityType,
			"server_id":   ev.ServerID,
		}).Error("failed to apply push event")
		return
	}
	for _, fn := range o.changeSubs {
		fn(entityType, localID)
	}
}

func (o *Orchestrator) applyRemoteDelete(entityType string, ev push.Event) {
	existing, err := o.store.EnvelopeByServerID(entityType, ev.ServerID)
	if apperrors.IsNotFound(err) {
		return
	}
	if err != nil {
		o.log.WithError(err).Error("push delete lookup failed")
		return
	}

	deleted, err := o.store.RemoteSoftDelete(entityType, ev.ServerID)
	if err != nil {
		o.log.WithError(err).Error("failed to apply push delete")
		return
	}
	if deleted {
		for _, fn := range o.deleteSubs {
			fn(entityType, existing.LocalID)
		}
	}
}

// handlePushState surfaces a dead push channel without flipping the whole
// sync status; uploads still work while the channel is down.
func (o *Orchestrator) handlePushState(s push.State, err error) {
	if s == push.StateFailed {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		o.log.WithError(err).Error("push channel gave up reconnecting")
		return
	}
	o.log.WithField("state", s.String()).Debug("push channel state changed")
}
