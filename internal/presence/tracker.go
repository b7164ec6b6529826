package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted on lock and presence transitions.
const (
	EventLockAcquired    = "lock.acquired"
	EventLockReleased    = "lock.released"
	EventPresenceChanged = "presence.changed"
)

// CodeLockHeld is the stable error code for advisory lock contention.
const CodeLockHeld = "lock_held"

// DefaultIdleTimeout expires locks and presence entries that stop refreshing.
const DefaultIdleTimeout = 15 * time.Minute

// LockHeldError reports a failed acquisition against the current holder.
type LockHeldError struct {
	TemplateID string
	HeldBy     string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("template %q is locked by %q", e.TemplateID, e.HeldBy)
}

// Code returns the stable error code for this kind.
func (e *LockHeldError) Code() string {
	return CodeLockHeld
}

// EventPublisher receives lock and presence transitions for fan-out to
// connected sessions.
type EventPublisher interface {
	PublishEvent(eventType, templateID string, payload map[string]interface{}, occurredAt time.Time)
}

// LockInfo describes the current holder of a template's edit lock.
type LockInfo struct {
	TemplateID string
	UserID     string
	AcquiredAt time.Time
}

// Viewer describes one user present on a template.
type Viewer struct {
	UserID     string
	LastSeenAt time.Time
}

// Snapshot is the transient collaboration state a re-subscribing client
// fetches before consuming the event stream.
type Snapshot struct {
	Lock    *LockInfo
	Viewers []Viewer
}

// TrackerConfig describes the dependencies of the tracker.
type TrackerConfig struct {
	IdleTimeout time.Duration
	Clock       func() time.Time
	Publisher   EventPublisher
	Logger      *zap.Logger
}

type lockState struct {
	userID     string
	acquiredAt time.Time
}

// Tracker is the in-memory registry of advisory edit locks and viewer
// presence, keyed by template id. It is advisory only: nothing here blocks
// the version guard, and the whole registry rebuilds from zero on restart.
// Expiry is checked lazily on access; no timers run per template.
type Tracker struct {
	mu          sync.Mutex
	idleTimeout time.Duration
	clock       func() time.Time
	publisher   EventPublisher
	logger      *zap.Logger
	locks       map[string]lockState
	viewers     map[string]map[string]time.Time
}

// NewTracker constructs a tracker with sane defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		idleTimeout: idleTimeout,
		clock:       clock,
		publisher:   cfg.Publisher,
		logger:      logger,
		locks:       make(map[string]lockState),
		viewers:     make(map[string]map[string]time.Time),
	}
}

// AcquireLock takes the edit lock for userID, or refreshes it when the
// caller already holds it. Contention returns LockHeldError naming the
// holder; the caller decides whether to poll or surface it.
func (t *Tracker) AcquireLock(templateID, userID string) (LockInfo, error) {
	now := t.clock()

	t.mu.Lock()
	expired := t.expireLockLocked(templateID, now)
	current, held := t.locks[templateID]
	if held && current.userID != userID {
		t.mu.Unlock()
		t.publishExpired(templateID, expired, now)
		return LockInfo{}, &LockHeldError{TemplateID: templateID, HeldBy: current.userID}
	}

	reacquired := held
	acquiredAt := now
	if reacquired && current.acquiredAt.After(now) {
		// Refreshes may race across connections; keep the latest wall clock.
		acquiredAt = current.acquiredAt
	}
	t.locks[templateID] = lockState{userID: userID, acquiredAt: acquiredAt}
	t.mu.Unlock()

	t.publishExpired(templateID, expired, now)
	if !reacquired {
		t.publish(EventLockAcquired, templateID, map[string]interface{}{
			"user_id":     userID,
			"acquired_at": acquiredAt.UTC().Format(time.RFC3339),
		}, now)
	}
	return LockInfo{TemplateID: templateID, UserID: userID, AcquiredAt: acquiredAt}, nil
}

// ReleaseLock drops the lock when userID holds it. Releasing an unheld
// lock, or someone else's, is a no-op rather than an error.
func (t *Tracker) ReleaseLock(templateID, userID string) {
	now := t.clock()

	t.mu.Lock()
	expired := t.expireLockLocked(templateID, now)
	current, held := t.locks[templateID]
	if !held || current.userID != userID {
		t.mu.Unlock()
		t.publishExpired(templateID, expired, now)
		return
	}
	delete(t.locks, templateID)
	t.mu.Unlock()

	t.publish(EventLockReleased, templateID, map[string]interface{}{
		"user_id": userID,
		"reason":  "released",
	}, now)
}

// MarkPresent records userID as viewing the template. Out-of-order
// heartbeats across connections resolve last-write-wins on observedAt.
func (t *Tracker) MarkPresent(templateID, userID string, observedAt time.Time) {
	t.mu.Lock()
	set := t.viewers[templateID]
	if set == nil {
		set = make(map[string]time.Time)
		t.viewers[templateID] = set
	}
	lastSeen, known := set[userID]
	if known && lastSeen.After(observedAt) {
		t.mu.Unlock()
		return
	}
	set[userID] = observedAt
	changed := !known
	t.mu.Unlock()

	if changed {
		t.publishPresence(templateID, observedAt)
	}
}

// MarkAbsent removes userID from the template's viewer set. A departing
// lock holder keeps the lock; the idle timeout reclaims it if they do not
// return.
func (t *Tracker) MarkAbsent(templateID, userID string) {
	now := t.clock()

	t.mu.Lock()
	set := t.viewers[templateID]
	if _, known := set[userID]; !known {
		t.mu.Unlock()
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.viewers, templateID)
	}
	t.mu.Unlock()

	t.publishPresence(templateID, now)
}

// Snapshot returns the template's current lock holder and live viewers.
func (t *Tracker) Snapshot(templateID string) Snapshot {
	now := t.clock()

	t.mu.Lock()
	expired := t.expireLockLocked(templateID, now)
	t.prunePresenceLocked(templateID, now)

	var snapshot Snapshot
	if lock, held := t.locks[templateID]; held {
		snapshot.Lock = &LockInfo{TemplateID: templateID, UserID: lock.userID, AcquiredAt: lock.acquiredAt}
	}
	for userID, lastSeen := range t.viewers[templateID] {
		snapshot.Viewers = append(snapshot.Viewers, Viewer{UserID: userID, LastSeenAt: lastSeen})
	}
	t.mu.Unlock()

	t.publishExpired(templateID, expired, now)
	sort.Slice(snapshot.Viewers, func(i, j int) bool {
		return snapshot.Viewers[i].UserID < snapshot.Viewers[j].UserID
	})
	return snapshot
}

// expireLockLocked reclaims a lock whose holder stopped refreshing and
// returns the evicted holder, if any. Caller holds t.mu; the release event
// is published by publishExpired after the mutex drops.
func (t *Tracker) expireLockLocked(templateID string, now time.Time) string {
	lock, held := t.locks[templateID]
	if !held || now.Sub(lock.acquiredAt) <= t.idleTimeout {
		return ""
	}
	delete(t.locks, templateID)
	t.logger.Debug("edit lock expired",
		zap.String("template_id", templateID),
		zap.String("user_id", lock.userID))
	return lock.userID
}

func (t *Tracker) publishExpired(templateID, evictedUserID string, occurredAt time.Time) {
	if evictedUserID == "" {
		return
	}
	t.publish(EventLockReleased, templateID, map[string]interface{}{
		"user_id": evictedUserID,
		"reason":  "expired",
	}, occurredAt)
}

// prunePresenceLocked drops viewers whose heartbeats went stale. Caller
// holds t.mu.
func (t *Tracker) prunePresenceLocked(templateID string, now time.Time) {
	set := t.viewers[templateID]
	for userID, lastSeen := range set {
		if now.Sub(lastSeen) > t.idleTimeout {
			delete(set, userID)
		}
	}
	if len(set) == 0 {
		delete(t.viewers, templateID)
	}
}

func (t *Tracker) publish(eventType, templateID string, payload map[string]interface{}, occurredAt time.Time) {
	if t.publisher == nil {
		return
	}
	t.publisher.PublishEvent(eventType, templateID, payload, occurredAt)
}

func (t *Tracker) publishPresence(templateID string, occurredAt time.Time) {
	t.mu.Lock()
	userIDs := make([]string, 0, len(t.viewers[templateID]))
	for userID := range t.viewers[templateID] {
		userIDs = append(userIDs, userID)
	}
	t.mu.Unlock()

	sort.Strings(userIDs)
	t.publish(EventPresenceChanged, templateID, map[string]interface{}{
		"viewers": userIDs,
	}, occurredAt)
}
