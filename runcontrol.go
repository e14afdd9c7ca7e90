package loom

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultApprovalTimeout caps how long a run waits for a human decision on
// a tool call. On expiry all tools in the request default to denied.
const DefaultApprovalTimeout = 5 * time.Minute

// Approval resolution statuses carried on ToolApprovalResolved events.
const (
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
	ApprovalStatusEdited   = "edited"
	ApprovalStatusTimeout  = "timeout"
)

// ApprovalResponse is the client's decision on a pending tool approval.
type ApprovalResponse struct {
	Approved bool `json:"approved"`
	// EditedArgs replaces the tool call arguments when the client edited
	// them before approving.
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
	// ToolDecisions overrides the batch decision per tool call id.
	ToolDecisions map[string]bool `json:"tool_decisions,omitempty"`
	// Status is filled by run control: approved, denied, edited, timeout.
	Status string `json:"status,omitempty"`
}

// RunHandle owns the cancellation and approval state for one run. Created
// by the orchestrator before dispatch, destroyed after completion, cancel,
// or error. All methods are safe for concurrent use.
type RunHandle struct {
	runID string

	cancelRequested atomic.Bool
	stopRun         atomic.Bool

	mu sync.Mutex
	// boundAgent is the provider-issued run id, bound late once the
	// provider reports it.
	boundAgent string
	// waiters holds one channel per pending approval id. Buffered(1) so
	// SetApprovalResponse never blocks.
	waiters   map[string]chan ApprovalResponse
	responses map[string]ApprovalResponse
}

// RunID returns the runtime-assigned run identifier.
func (h *RunHandle) RunID() string { return h.runID }

// BindProviderRun records the provider-issued run id once known.
func (h *RunHandle) BindProviderRun(providerRunID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.boundAgent = providerRunID
}

// ProviderRunID returns the late-bound provider run id, or "".
func (h *RunHandle) ProviderRunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boundAgent
}

// RequestCancel sets the cooperative cancel flag and releases every pending
// approval waiter with a denied decision.
func (h *RunHandle) RequestCancel() {
	h.cancelRequested.Store(true)
	h.stopRun.Store(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.waiters {
		select {
		case ch <- ApprovalResponse{Approved: false, Status: ApprovalStatusDenied}:
		default:
		}
		delete(h.waiters, id)
	}
}

// CancelRequested reports whether cancellation has been requested.
func (h *RunHandle) CancelRequested() bool { return h.cancelRequested.Load() }

// stopFlag exposes the flow scheduler's stop_run flag.
func (h *RunHandle) stopFlag() *atomic.Bool { return &h.stopRun }

// AwaitApproval blocks until the client resolves the approval, the timeout
// elapses, the run is cancelled, or ctx is done. Timeout and cancellation
// both yield a denial; timeout is distinguished by Status.
func (h *RunHandle) AwaitApproval(ctx context.Context, approvalID string, timeout time.Duration) ApprovalResponse {
	if timeout <= 0 || timeout > DefaultApprovalTimeout {
		timeout = DefaultApprovalTimeout
	}
	h.mu.Lock()
	if resp, ok := h.responses[approvalID]; ok {
		delete(h.responses, approvalID)
		h.mu.Unlock()
		return resp
	}
	if h.waiters == nil {
		h.waiters = make(map[string]chan ApprovalResponse)
	}
	ch := make(chan ApprovalResponse, 1)
	h.waiters[approvalID] = ch
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		h.clearWaiter(approvalID)
		return ApprovalResponse{Approved: false, Status: ApprovalStatusTimeout}
	case <-ctx.Done():
		h.clearWaiter(approvalID)
		return ApprovalResponse{Approved: false, Status: ApprovalStatusDenied}
	}
}

// SetApprovalResponse resolves a pending approval. If no waiter is
// registered yet, the response is parked for the next AwaitApproval call
// with the same id.
func (h *RunHandle) SetApprovalResponse(approvalID string, resp ApprovalResponse) {
	if resp.Status == "" {
		switch {
		case len(resp.EditedArgs) > 0 && resp.Approved:
			resp.Status = ApprovalStatusEdited
		case resp.Approved:
			resp.Status = ApprovalStatusApproved
		default:
			resp.Status = ApprovalStatusDenied
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.waiters[approvalID]; ok {
		delete(h.waiters, approvalID)
		select {
		case ch <- resp:
		default:
		}
		return
	}
	if h.responses == nil {
		h.responses = make(map[string]ApprovalResponse)
	}
	h.responses[approvalID] = resp
}

// clearWaiter removes an abandoned waiter so a late SetApprovalResponse
// parks the decision instead of writing to a dead channel.
func (h *RunHandle) clearWaiter(approvalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, approvalID)
}

// ClearApproval drops any parked response and waiter for an approval id.
func (h *RunHandle) ClearApproval(approvalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.responses, approvalID)
	delete(h.waiters, approvalID)
}

// RunControl is the process-wide registry of active run handles.
type RunControl struct {
	mu     sync.Mutex
	runs   map[string]*RunHandle
	early  map[string]bool
	logger *slog.Logger
}

// RunControlOption configures a RunControl.
type RunControlOption func(*RunControl)

// WithRunControlLogger sets the structured logger.
func WithRunControlLogger(l *slog.Logger) RunControlOption {
	return func(rc *RunControl) { rc.logger = l }
}

// NewRunControl creates an empty registry.
func NewRunControl(opts ...RunControlOption) *RunControl {
	rc := &RunControl{
		runs:   make(map[string]*RunHandle),
		early:  make(map[string]bool),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Register creates and records a handle for runID.
func (rc *RunControl) Register(runID string) *RunHandle {
	h := &RunHandle{runID: runID}
	rc.mu.Lock()
	rc.runs[runID] = h
	rc.mu.Unlock()
	rc.logger.Debug("runcontrol: registered", "run_id", runID)
	return h
}

// Get returns the handle for runID.
func (rc *RunControl) Get(runID string) (*RunHandle, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	h, ok := rc.runs[runID]
	return h, ok
}

// Remove drops the handle after the run reaches a terminal state.
func (rc *RunControl) Remove(runID string) {
	rc.mu.Lock()
	delete(rc.runs, runID)
	rc.mu.Unlock()
}

// RequestCancel cancels the run if registered; otherwise records an early
// cancel consumed by the orchestrator before dispatch.
func (rc *RunControl) RequestCancel(runID string) {
	rc.mu.Lock()
	h, ok := rc.runs[runID]
	if !ok {
		rc.early[runID] = true
	}
	rc.mu.Unlock()
	if ok {
		h.RequestCancel()
		rc.logger.Debug("runcontrol: cancel requested", "run_id", runID)
	} else {
		rc.logger.Debug("runcontrol: early cancel recorded", "run_id", runID)
	}
}

// ConsumeEarlyCancel returns and clears a pre-dispatch cancel flag.
func (rc *RunControl) ConsumeEarlyCancel(runID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.early[runID] {
		delete(rc.early, runID)
		return true
	}
	return false
}

// SetApprovalResponse routes a client decision to the run's handle.
func (rc *RunControl) SetApprovalResponse(runID, approvalID string, resp ApprovalResponse) bool {
	h, ok := rc.Get(runID)
	if !ok {
		return false
	}
	h.SetApprovalResponse(approvalID, resp)
	return true
}
