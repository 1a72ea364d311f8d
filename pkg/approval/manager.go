package approval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"conductor/pkg/dispatch"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// DefaultTimeout is how long a pending request may wait for a decision
// before the sweeper expires it.
const DefaultTimeout = 300 * time.Second

// sweepInterval is how often the sweeper scans for timed-out requests.
const sweepInterval = 30 * time.Second

var (
	// ErrNotFound indicates the request id does not exist.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided indicates a second decision on a terminal request.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Manager queues approval requests and resolves them. Decisions are
// idempotent: the status column permits exactly one terminal transition.
// Events publish synchronously, so when Approve returns, every subscriber
// has already observed the decision.
type Manager struct {
	repo    *persistence.ApprovalRepo
	bus     *dispatch.Bus
	policy  atomic.Pointer[Policy]
	timeout time.Duration
	logger  *logx.Logger
}

// NewManager creates a manager with the given policy (nil means the built-in
// defaults) and the default timeout.
func NewManager(repo *persistence.ApprovalRepo, bus *dispatch.Bus, policy *Policy) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	m := &Manager{
		repo:    repo,
		bus:     bus,
		timeout: DefaultTimeout,
		logger:  logx.NewLogger("approval"),
	}
	m.policy.Store(policy)
	return m
}

// SetTimeout overrides the pending-request timeout.
func (m *Manager) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

// SetPolicy swaps the policy atomically; in-flight evaluations keep the
// reference they loaded.
func (m *Manager) SetPolicy(p *Policy) {
	if p != nil {
		m.policy.Store(p)
	}
}

// ShouldRequireApproval consults the current policy.
func (m *Manager) ShouldRequireApproval(requestType proto.ApprovalRequestType, subject string, details map[string]any) Verdict {
	return m.policy.Load().Evaluate(requestType, subject, details)
}

// AddPending queues a new request and publishes ApprovalRequested before
// returning.
func (m *Manager) AddPending(sessionID string, requestType proto.ApprovalRequestType, subject string, details map[string]any, reason string) (*persistence.ApprovalRecord, error) {
	rec := &persistence.ApprovalRecord{
		RequestID:   utils.NewID(),
		RequestType: requestType,
		Subject:     subject,
		SessionID:   sessionID,
		Details:     details,
		Reason:      reason,
		Status:      proto.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.repo.SavePending(rec); err != nil {
		return nil, fmt.Errorf("failed to queue approval request: %w", err)
	}

	m.logger.Info("⏸️  Queued %s approval %s (%s) for session %s", requestType, rec.RequestID, subject, sessionID)
	m.bus.Publish(proto.NewEvent(proto.EventApprovalRequested, sessionID, map[string]any{
		"request_id":   rec.RequestID,
		"request_type": string(requestType),
		"subject":      subject,
		"reason":       reason,
	}))
	return rec, nil
}

// GetPending returns a request by id; ErrNotFound when absent.
func (m *Manager) GetPending(requestID string) (*persistence.ApprovalRecord, error) {
	rec, err := m.repo.GetPending(requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return rec, nil
}

// GetAllPending lists a session's pending requests, optionally narrowed by
// type.
func (m *Manager) GetAllPending(sessionID string, requestType proto.ApprovalRequestType) ([]*persistence.ApprovalRecord, error) {
	return m.repo.GetAllPending(sessionID, requestType)
}

// CountPending returns the session's pending request count.
func (m *Manager) CountPending(sessionID string) (int, error) {
	return m.repo.CountPending(sessionID)
}

// Approve resolves a pending request positively. The ApprovalApproved event
// is published before returning. A second decision returns ErrAlreadyDecided
// and leaves the stored status untouched.
func (m *Manager) Approve(requestID, reason string) (*persistence.ApprovalRecord, error) {
	return m.decide(requestID, proto.ApprovalApproved, reason, proto.EventApprovalApproved)
}

// Reject resolves a pending request negatively, same semantics as Approve.
func (m *Manager) Reject(requestID, reason string) (*persistence.ApprovalRecord, error) {
	return m.decide(requestID, proto.ApprovalRejected, reason, proto.EventApprovalRejected)
}

func (m *Manager) decide(requestID string, status proto.ApprovalStatus, reason string, event proto.EventName) (*persistence.ApprovalRecord, error) {
	rec, err := m.repo.GetPending(requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	// An expired request has left the queue; deciding it is not-found, not
	// already-decided.
	if rec.Status == proto.ApprovalExpired {
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, requestID)
	}
	if proto.IsTerminalApprovalStatus(rec.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, requestID, rec.Status)
	}

	decidedAt := time.Now().UTC()
	ok, err := m.repo.UpdateStatus(requestID, status, decidedAt, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to another decision.
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, requestID)
	}

	rec.Status = status
	rec.DecisionAt = &decidedAt
	rec.DecisionReason = reason

	m.logger.Info("✅ Approval %s (%s) decided: %s", requestID, rec.Subject, status)
	m.bus.Publish(proto.NewEvent(event, rec.SessionID, map[string]any{
		"request_id":   rec.RequestID,
		"request_type": string(rec.RequestType),
		"subject":      rec.Subject,
		"reason":       reason,
	}))
	return rec, nil
}

// StartSweeper launches the background routine that expires pending
// requests older than the timeout. It stops when ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Approval sweeper stopping")
				return
			case <-ticker.C:
				m.SweepExpired()
			}
		}
	}()
}

// SweepExpired expires timed-out pending requests once and returns their ids.
func (m *Manager) SweepExpired() []string {
	cutoff := time.Now().UTC().Add(-m.timeout)
	ids, err := m.repo.ExpireOlderThan(cutoff)
	if err != nil {
		m.logger.Error("Approval sweep failed: %v", err)
		return nil
	}
	if len(ids) > 0 {
		m.logger.Warn("⏰ Expired %d approval request(s): %v", len(ids), ids)
	}
	return ids
}
