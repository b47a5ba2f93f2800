package workflow

import (
	"encoding/json"
	"path/filepath"
	"sync"
)

// Handle is a tree node describing one deployment (the root, level 0) or the
// child update of one of its parent's steps, inline or reference (parent
// level + 1). The engine owns the
// root handle exclusively for the lifetime of a deployment; a child handle is
// owned exclusively by its parent. See DESIGN.md for the ownership rationale.
type Handle struct {
	// Identity
	DeploymentID string // UpdateID.String(), stable across retries
	RetryToken   string
	StepIndex    int // index within the parent's step list; 0 for the root
	Level        int // 0 = root, 1 = child of a root step (inline or reference); max depth is 2

	// Manifest view — immutable after construction.
	Manifest Manifest

	// UpdateType names the handler this handle dispatches to. The root
	// handle is always "steps:1" (§4.3): every top-level deployment is a
	// composition of ordered steps. A child handle's UpdateType is the parent
	// step's StepSpec.UpdateType for an inline step, and "steps:1" for a
	// reference step (the child runs the detached manifest's steps).
	UpdateType string

	// Runtime mutable fields. Only the engine goroutine and, transiently,
	// a step's own completion callback touch these.
	CurrentStep       Step
	LastReportedState DeploymentState
	CancellationKind  CancellationKind
	OperationInProgress bool
	CancelRequested     bool

	RebootRequiredImmediate  bool
	RebootRequiredDeferred   bool
	RestartRequiredImmediate bool
	RestartRequiredDeferred  bool

	SelectedComponents json.RawMessage
	CurrentResult      Result

	// PendingReplacement is attached by the engine when a replacement arrives
	// while this handle has an operation in flight. Consumed exactly once,
	// when that operation's completion callback runs.
	PendingReplacement *PendingReplacement

	// ForceUpdate bypasses classify's last-completed-id duplicate suppression
	// (§4.1 step 5), distinct from forceDeferral which bypasses the
	// same-id-retry path instead.
	ForceUpdate bool

	// CompletionToken identifies the operation currently in flight. The engine
	// mints a fresh one on every transition and a handler's CompletionFunc is
	// only honored if it still matches, so a callback left over from an
	// operation the engine has already moved past (e.g. after ResetForReentry)
	// is silently dropped instead of corrupting the new one's state.
	CompletionToken string

	Children []*Handle

	sandboxBase string
	mu          sync.RWMutex
}

// PendingReplacement carries a not-yet-installed successor deployment and the
// parsed property update that produced it, so the engine can transfer it into
// the current handle once the in-flight operation completes.
type PendingReplacement struct {
	Update PropertyUpdate
}

// NewRootHandle constructs the root WorkflowHandle for a freshly parsed
// property update. The sandbox path is not stored: SandboxPath derives it
// from downloadsBase and the deployment id, so it is the same before
// Download runs and after a restart (§6 "Sandbox layout").
func NewRootHandle(update PropertyUpdate, downloadsBase string) *Handle {
	id := update.UpdateID.String()
	return &Handle{
		DeploymentID:      id,
		RetryToken:        update.RetryTimestamp,
		StepIndex:         0,
		Level:             0,
		Manifest:          update.Manifest(),
		UpdateType:        "steps:1",
		CurrentStep:       StepUndefined,
		LastReportedState: StateIdle,
		CancellationKind:  CancelNone,
		ForceUpdate:       update.ForceUpdate,
		sandboxBase:       downloadsBase,
	}
}

// NewChildHandle builds a level+1 handle for one step of the parent's
// manifest, inheriting the parent's sandbox base (children share the parent's
// sandbox directory — only the root deployment gets its own top-level dir).
// updateType is the step's handler name (StepSpec.UpdateType for an inline
// step; the steps orchestrator passes "steps:1" for a reference step).
func NewChildHandle(parent *Handle, stepIndex int, manifest Manifest, updateType string) *Handle {
	return &Handle{
		DeploymentID:      parent.DeploymentID,
		RetryToken:        parent.RetryToken,
		StepIndex:         stepIndex,
		Level:             parent.Level + 1,
		Manifest:          manifest,
		UpdateType:        updateType,
		CurrentStep:       StepUndefined,
		LastReportedState: parent.LastReportedState,
		CancellationKind:  CancelNone,
		sandboxBase:       parent.sandboxBase,
	}
}

// SandboxPath returns this deployment's sandbox directory:
// <downloads_base>/<deployment_id>. Children share the root's directory.
func (h *Handle) SandboxPath() string {
	return filepath.Join(h.sandboxBase, h.DeploymentID)
}

// SandboxBase returns the configured downloads-base directory, needed by the
// engine to enumerate sibling sandbox directories for stale cleanup.
func (h *Handle) SandboxBase() string {
	return h.sandboxBase
}

// IsMidFlight reports whether the handle is neither freshly created nor at a
// terminal state — used by the engine's replacement classification (§4.1).
func (h *Handle) IsMidFlight() bool {
	return h.LastReportedState != StateIdle && h.LastReportedState != StateFailed && h.CurrentStep != StepUndefined
}

// RequestCancel sets the cooperative cancel flag on this handle only; the
// flags of its Children are not set. For a composite (steps) update, the
// orchestrator polls this handle's flag before visiting each child.
func (h *Handle) RequestCancel(kind CancellationKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CancelRequested = true
	if h.CancellationKind == CancelNone {
		h.CancellationKind = kind
	}
}

// IsCancelRequested is safe to poll concurrently from a handler's worker
// goroutine while the engine goroutine owns the rest of the handle.
func (h *Handle) IsCancelRequested() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.CancelRequested
}

// ResetForReentry clears the per-operation fields so the same handle can be
// driven through ProcessDeployment again, either for a retry or after a
// component-changed re-drive.
func (h *Handle) ResetForReentry() {
	h.CurrentStep = StepUndefined
	h.LastReportedState = StateIdle
	h.CancellationKind = CancelNone
	h.OperationInProgress = false
	h.CancelRequested = false
	h.PendingReplacement = nil
	h.CompletionToken = ""
}
