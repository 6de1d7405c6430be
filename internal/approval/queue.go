// Package approval implements the host-side human approval queue.
// It lives outside the sandbox boundary: the agent can submit requests
// but only a human (or the expiry timer) can decide them.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/aegis/internal/bus"
)

// Status of an approval request. Once decided, a request is immutable.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDenied    Status = "DENIED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Request is one operation parked for human review.
type Request struct {
	ID             string            `json:"id"`
	Category       string            `json:"category"`
	Summary        string            `json:"summary"`
	Details        map[string]string `json:"details,omitempty"`
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url,omitempty"`
	Hostname       string            `json:"hostname,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Status         Status            `json:"status"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	DecisionReason string            `json:"decision_reason,omitempty"`
}

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("approval queue full")

// ErrNotFound is returned for an unknown request id.
var ErrNotFound = errors.New("approval request not found")

const (
	defaultCapacity = 100
	defaultTimeout  = 10 * time.Minute
	sweepInterval   = 1 * time.Second
)

// Queue holds pending approval requests and wakes waiters on decisions.
// All mutating operations take the single exclusive lock; decisions wake
// exactly the one waiter tied to that request id.
type Queue struct {
	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string]chan Status
	capacity int

	persistPath string
	eventBus    *bus.Bus
	logger      *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// Config holds queue dependencies.
type Config struct {
	Capacity    int      // max live requests; defaults to 100
	PersistPath string   // JSON snapshot path; empty disables persistence
	Bus         *bus.Bus // optional event bus
	Logger      *slog.Logger
}

// NewQueue creates a queue and loads any persisted snapshot so pending
// approvals survive a crash of the host process.
func NewQueue(cfg Config) (*Queue, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		requests:    make(map[string]*Request),
		waiters:     make(map[string]chan Status),
		capacity:    capacity,
		persistPath: cfg.PersistPath,
		eventBus:    cfg.Bus,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	q.wg.Add(1)
	go q.sweepLoop()
	return q, nil
}

// Close stops the expiry sweeper. Pending requests stay persisted.
func (q *Queue) Close() {
	close(q.stop)
	q.wg.Wait()
}

// Submit parks a new request and returns its id. timeout bounds how long
// the request may sit undecided; zero takes the default.
func (q *Queue) Submit(category, summary string, details map[string]string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.livePendingLocked() >= q.capacity {
		return "", ErrQueueFull
	}

	now := q.now()
	req := &Request{
		ID:        uuid.NewString(),
		Category:  category,
		Summary:   summary,
		Details:   details,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Status:    StatusPending,
	}
	q.requests[req.ID] = req
	q.persistLocked()
	q.publish(bus.TopicApprovalRequested, req, "")
	return req.ID, nil
}

// SubmitNetwork parks a write-type network operation for review.
func (q *Queue) SubmitNetwork(method, url, hostname, summary string, timeout time.Duration) (string, error) {
	id, err := q.Submit("network_write", summary, nil, timeout)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	req := q.requests[id]
	req.Method = method
	req.URL = url
	req.Hostname = hostname
	q.persistLocked()
	q.mu.Unlock()
	return id, nil
}

// Approve marks a PENDING request approved. Returns false without error
// if the request was already decided.
func (q *Queue) Approve(id, decidedBy, reason string) (bool, error) {
	return q.decide(id, StatusApproved, decidedBy, reason)
}

// Deny marks a PENDING request denied.
func (q *Queue) Deny(id, decidedBy, reason string) (bool, error) {
	return q.decide(id, StatusDenied, decidedBy, reason)
}

// Cancel withdraws a PENDING request (e.g. the submitting session stopped).
func (q *Queue) Cancel(id, reason string) (bool, error) {
	return q.decide(id, StatusCancelled, "", reason)
}

func (q *Queue) decide(id string, status Status, decidedBy, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if req.Status != StatusPending {
		// Deciding an already-decided request is a no-op.
		return false, nil
	}
	req.Status = status
	req.DecidedBy = decidedBy
	req.DecisionReason = reason
	q.wakeLocked(id, status)
	q.persistLocked()
	q.publish(bus.TopicApprovalDecided, req, decidedBy)
	return true, nil
}

// Get returns a copy of the request.
func (q *Queue) Get(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

// Pending returns all PENDING requests, oldest first.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Request
	for _, req := range q.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sortByCreated(out)
	return out
}

// WaitForDecision blocks until the request is decided, expires, or the
// wait timeout elapses. On wait timeout the request itself stays PENDING.
func (q *Queue) WaitForDecision(id string, timeout time.Duration) (Status, error) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return "", ErrNotFound
	}
	if req.Status != StatusPending {
		status := req.Status
		q.mu.Unlock()
		return status, nil
	}
	ch := make(chan Status, 1)
	q.waiters[id] = ch
	q.mu.Unlock()

	select {
	case status := <-ch:
		return status, nil
	case <-time.After(timeout):
		q.mu.Lock()
		delete(q.waiters, id)
		status := q.requests[id].Status
		q.mu.Unlock()
		if status != StatusPending {
			return status, nil
		}
		return StatusPending, fmt.Errorf("timed out waiting for decision on %s", id)
	}
}

// sweepLoop expires PENDING requests past their deadline.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.ExpireDue()
		}
	}
}

// ExpireDue expires every PENDING request past its deadline and returns
// how many were expired. Called by the sweeper; exported for tests and
// for host-driven sweeps.
func (q *Queue) ExpireDue() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	expired := 0
	for id, req := range q.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			q.wakeLocked(id, StatusExpired)
			q.publish(bus.TopicApprovalExpired, req, "")
			expired++
		}
	}
	if expired > 0 {
		q.persistLocked()
	}
	return expired
}

func (q *Queue) wakeLocked(id string, status Status) {
	if ch, ok := q.waiters[id]; ok {
		ch <- status
		delete(q.waiters, id)
	}
}

func (q *Queue) livePendingLocked() int {
	n := 0
	for _, req := range q.requests {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) publish(topic string, req *Request, decidedBy string) {
	if q.eventBus == nil {
		return
	}
	q.eventBus.Publish(topic, bus.ApprovalEvent{
		RequestID: req.ID,
		Category:  req.Category,
		Status:    string(req.Status),
		DecidedBy: decidedBy,
	})
}

// snapshot is the persisted document: all requests, any status. It is a
// crash-recovery aid, not the source of truth while the process is alive.
type snapshot struct {
	Requests []Request `json:"requests"`
}

func (q *Queue) persistLocked() {
	if q.persistPath == "" {
		return
	}
	snap := snapshot{Requests: make([]Request, 0, len(q.requests))}
	for _, req := range q.requests {
		snap.Requests = append(snap.Requests, *req)
	}
	sortByCreated(snap.Requests)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		q.logger.Error("marshal approval snapshot", "error", err)
		return
	}
	tmp := q.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		q.logger.Error("write approval snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, q.persistPath); err != nil {
		q.logger.Error("replace approval snapshot", "error", err)
	}
}

func (q *Queue) load() error {
	if q.persistPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.persistPath), 0o755); err != nil {
		return fmt.Errorf("approval dir: %w", err)
	}
	data, err := os.ReadFile(q.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read approval snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse approval snapshot: %w", err)
	}
	for i := range snap.Requests {
		req := snap.Requests[i]
		q.requests[req.ID] = &req
	}
	return nil
}

func sortByCreated(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
}
