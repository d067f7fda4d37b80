package client

import (
	"chat-relay/domain"
	"sync"
	"time"
)

const DefaultHandlerRetention = 5 * time.Minute

// StatusHandler observes the lifecycle of one message sent from this client.
type StatusHandler func(status domain.Status)

type pendingStatus struct {
	onStatus    StatusHandler
	status      domain.Status
	key         string
	rekeyed     bool
	deliveredAt time.Time
}

type earlyStatus struct {
	status domain.Status
	at     time.Time
}

// StatusTable holds one handler per in-flight message, keyed by correlation id
// until the ack brings the durable id, then by the durable id.
// Callbacks only ever move forward through sending, sent, delivered and read.
// An entry is removed at read, at a final error, or once it has been delivered
// for longer than the retention.
type StatusTable struct {
	mu        sync.Mutex
	entries   map[string]*pendingStatus
	early     map[string]earlyStatus
	retention time.Duration
	now       func() time.Time
}

func NewStatusTable(retention time.Duration, now func() time.Time) *StatusTable {
	if retention <= 0 {
		retention = DefaultHandlerRetention
	}
	if now == nil {
		now = time.Now
	}
	return &StatusTable{
		entries:   make(map[string]*pendingStatus),
		early:     make(map[string]earlyStatus),
		retention: retention,
		now:       now,
	}
}

// Register adds the handler and reports sending right away.
func (t *StatusTable) Register(correlationID string, onStatus StatusHandler) {
	if onStatus == nil {
		onStatus = func(domain.Status) {}
	}
	t.mu.Lock()
	t.pruneLocked()
	t.entries[correlationID] = &pendingStatus{onStatus: onStatus, status: domain.StatusSending, key: correlationID}
	t.mu.Unlock()
	onStatus(domain.StatusSending)
}

// Rekey moves the entry from the correlation id to the durable id and applies
// status, the status the ack reported. It only happens once per entry.
// Events that reached the table before the ack are applied afterwards.
func (t *StatusTable) Rekey(correlationID, messageID string, status domain.Status) {
	t.mu.Lock()
	entry, ok := t.entries[correlationID]
	if !ok || entry.rekeyed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, correlationID)
	entry.key = messageID
	entry.rekeyed = true
	t.entries[messageID] = entry
	early, hasEarly := t.early[messageID]
	delete(t.early, messageID)
	t.mu.Unlock()

	t.advance(messageID, domain.StatusSent)
	if status == domain.StatusDelivered || status == domain.StatusRead {
		t.advance(messageID, domain.StatusDelivered)
	}
	if status == domain.StatusRead {
		t.advance(messageID, domain.StatusRead)
	}
	if hasEarly {
		t.Update(messageID, early.status)
	}
}

// Update applies a server status event. A backward or repeated status is
// ignored. An event about an id the table does not know yet is kept until the
// matching Rekey.
func (t *StatusTable) Update(messageID string, status domain.Status) {
	t.mu.Lock()
	if _, ok := t.entries[messageID]; !ok {
		if current, seen := t.early[messageID]; !seen || current.status.CanTransitionTo(status) {
			t.early[messageID] = earlyStatus{status: status, at: t.now()}
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if status == domain.StatusRead {
		t.advance(messageID, domain.StatusDelivered)
	}
	t.advance(messageID, status)
}

func (t *StatusTable) advance(key string, status domain.Status) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || !entry.status.CanTransitionTo(status) {
		t.mu.Unlock()
		return
	}
	entry.status = status
	switch status {
	case domain.StatusDelivered:
		entry.deliveredAt = t.now()
	case domain.StatusRead:
		delete(t.entries, key)
	}
	t.mu.Unlock()
	entry.onStatus(status)
}

// Fail reports error. A final failure drops the entry, otherwise the entry
// stays so that a later retry can resolve it.
func (t *StatusTable) Fail(key string, final bool) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if final {
		delete(t.entries, key)
	}
	notify := entry.status != domain.StatusError
	entry.status = domain.StatusError
	t.mu.Unlock()
	if notify || final {
		entry.onStatus(domain.StatusError)
	}
}

// Retry puts a failed entry back to sending before it is transmitted again.
func (t *StatusTable) Retry(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key]; ok && entry.status == domain.StatusError {
		entry.status = domain.StatusSending
	}
}

// Status returns the last reported status of key.
func (t *StatusTable) Status(key string) (domain.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return "", false
	}
	return entry.status, true
}

func (t *StatusTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Prune drops the entries delivered for longer than the retention.
func (t *StatusTable) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
}

func (t *StatusTable) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for key, entry := range t.entries {
		if entry.status == domain.StatusDelivered && entry.deliveredAt.Before(cutoff) {
			delete(t.entries, key)
		}
	}
	for key, early := range t.early {
		if early.at.Before(cutoff) {
			delete(t.early, key)
		}
	}
}
