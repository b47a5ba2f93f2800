// Package engine implements the workflow engine: the single goroutine that
// classifies inbound property updates, drives the action dispatch table, and
// arbitrates completion, replacement, retry, and cancellation (spec §4.1).
//
// The original design held one coarse mutex across ingress and the
// synchronous half of completion, with a documented "callee assumes lock
// held" discipline for the asynchronous half. This package instead follows
// the message-passing alternative sketched in the Design Notes: every public
// entry point deposits a closure on a single command channel drained by one
// goroutine (run), and a handler's asynchronous CompletionFunc re-enters the
// same channel instead of taking a lock. This removes the "lock sometimes"
// rule entirely while preserving the same strict serialization of state
// mutation.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"fleetagent/internal/extension"
	"fleetagent/internal/handler"
	"fleetagent/internal/logging"
	"fleetagent/internal/workflow"
)

// Sandbox is the collaborator the engine uses to manage per-deployment
// working directories (§6 "Sandbox layout").
type Sandbox interface {
	Create(path string) error
	Destroy(path string) error
	// Siblings lists full sandbox directory paths under base other than the
	// one named by keep (a deployment id, not a path), for stale-cleanup on
	// every fresh ProcessDeployment (§5 "Resource policy").
	Siblings(base, keep string) ([]string, error)
}

// Store is the collaborator that persists process-wide state across agent
// restarts (§6 "Persisted state").
type Store interface {
	LastCompletedWorkflowID(ctx context.Context) (string, error)
	SetLastCompletedWorkflowID(ctx context.Context, id string) error

	// SetLastGoalState caches the raw desired-state payload so HandleStartup
	// can replay it after an agent restart interrupts a mid-flight deployment.
	SetLastGoalState(ctx context.Context, payload []byte) error
}

// Telemetry is the collaborator that records spans and counters for
// deployments and steps. A nil Telemetry is valid; the engine checks before
// calling into it.
type Telemetry interface {
	DeploymentStarted(h *workflow.Handle)
	DeploymentEnded(h *workflow.Handle, result workflow.Result)
	StepStarted(h *workflow.Handle, step workflow.Step)
	StepEnded(h *workflow.Handle, step workflow.Step, result workflow.Result)
}

// Config is the immutable configuration surface the engine consumes (§6).
type Config struct {
	DownloadsBase string
	RebootFn      func(*workflow.Handle) error
	RestartFn     func(*workflow.Handle) error
}

// Engine is the workflow engine. Construct with New and call Start before
// any other method; call Stop to shut down the run loop.
type Engine struct {
	cfg     Config
	manager extension.Manager
	sandbox Sandbox
	store   Store
	telemetry Telemetry

	rebootFn  func(*workflow.Handle) error
	restartFn func(*workflow.Handle) error

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	current                  *workflow.Handle
	lastCompletedID          string
	systemRebootInProgress   bool
	systemRestartInProgress  bool
}

// New constructs an Engine. It does not start the run loop.
func New(cfg Config, manager extension.Manager, sandbox Sandbox, store Store, telemetry Telemetry) *Engine {
	reboot := cfg.RebootFn
	if reboot == nil {
		reboot = func(*workflow.Handle) error { return nil }
	}
	restart := cfg.RestartFn
	if restart == nil {
		restart = func(*workflow.Handle) error { return nil }
	}
	return &Engine{
		cfg:       cfg,
		manager:   manager,
		sandbox:   sandbox,
		store:     store,
		telemetry: telemetry,
		rebootFn:  reboot,
		restartFn: restart,
		cmds:      make(chan func(), 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the engine's run loop. Safe to call once.
func (e *Engine) Start() {
	go e.run()
}

// Stop signals the run loop to exit and waits until it has returned.
// Commands still queued on the channel at that point are not run.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case cmd := <-e.cmds:
			cmd()
		case <-e.stop:
			return
		}
	}
}

// submit enqueues fn to run on the engine goroutine without waiting for it.
// Used by completion callbacks re-entering from a worker goroutine.
func (e *Engine) submit(fn func()) {
	e.cmds <- fn
}

// submitWait enqueues fn and blocks until it has run, so synchronous public
// methods can return a result computed on the engine goroutine.
func (e *Engine) submitWait(fn func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Snapshot is a read-only view of engine state, safe to hand to callers
// outside the engine goroutine (e.g. a status CLI command or health check).
type Snapshot struct {
	HasCurrent    bool
	DeploymentID  string
	State         workflow.DeploymentState
	Step          workflow.Step
	LastCompleted string
}

// Snapshot reports the engine's current state.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	e.submitWait(func() {
		s.LastCompleted = e.lastCompletedID
		if e.current != nil {
			s.HasCurrent = true
			s.DeploymentID = e.current.DeploymentID
			s.State = e.current.LastReportedState
			s.Step = e.current.CurrentStep
		}
	})
	return s
}

// HandleStartup resumes or idles the engine on agent boot (§4.1). initial
// is the cached desired-state payload from the last agent run, or nil if
// there is none.
func (e *Engine) HandleStartup(ctx context.Context, initial []byte) error {
	var retErr error
	e.submitWait(func() {
		id, err := e.store.LastCompletedWorkflowID(ctx)
		if err != nil {
			logging.Error("engine: failed to load last completed workflow id: %v", err)
		} else {
			e.lastCompletedID = id
		}
		if len(initial) == 0 {
			return
		}
		retErr = e.handlePropertyUpdateLocked(ctx, initial, false)
	})
	return retErr
}

// HandlePropertyUpdate is the entry point invoked when the cloud pushes a
// desired-state property (§4.1). forceDeferral bypasses the same-id retry
// path and the duplicate-suppression check, treating the update as a
// replacement even when its id matches the current or last-completed one;
// handle_component_changed uses this to force a re-drive.
func (e *Engine) HandlePropertyUpdate(ctx context.Context, payload []byte, forceDeferral bool) error {
	var retErr error
	e.submitWait(func() {
		retErr = e.handlePropertyUpdateLocked(ctx, payload, forceDeferral)
	})
	return retErr
}

// HandleComponentChanged re-drives the most recently cached desired-state
// payload with forceDeferral = true (§4.1 public surface).
func (e *Engine) HandleComponentChanged(ctx context.Context, cachedPayload []byte) error {
	return e.HandlePropertyUpdate(ctx, cachedPayload, true)
}

// DoWork is the periodic cooperative tick handed to the surrounding loop.
// It forwards to the current handler's polling hook if one is mid-flight;
// handlers that don't poll simply ignore calls made while idle.
func (e *Engine) DoWork(ctx context.Context) {
	e.submit(func() {
		h := e.current
		if h == nil || !h.OperationInProgress {
			return
		}
		hd, err := e.manager.LoadContentHandler(ctx, h.UpdateType)
		if err != nil {
			return
		}
		if poller, ok := hd.(interface{ Poll(context.Context, *workflow.Handle) }); ok {
			poller.Poll(ctx, h)
		}
	})
}

func (e *Engine) handlePropertyUpdateLocked(ctx context.Context, payload []byte, forceDeferral bool) error {
	update, err := workflow.ParsePropertyUpdate(payload)
	if err != nil {
		return fmt.Errorf("engine: invalid property update payload: %w", err)
	}

	corrID := uuid.New().String()
	logging.Debug("engine: ingress correlation_id=%s update_id=%s action=%s", corrID, update.UpdateID.String(), update.Action)

	if err := e.store.SetLastGoalState(ctx, payload); err != nil {
		logging.Error("engine: failed caching goal state payload: %v", err)
	}

	newHandle := workflow.NewRootHandle(update, e.cfg.DownloadsBase)
	e.classify(ctx, newHandle, update.Action, forceDeferral)
	return nil
}

// classify implements the ingress classification algorithm, §4.1 steps 1-5.
func (e *Engine) classify(ctx context.Context, newHandle *workflow.Handle, action workflow.UpdateAction, forceDeferral bool) {
	cur := e.current

	// Step 1: no current workflow.
	if cur == nil {
		if action == workflow.ActionCancel {
			newHandle.CancellationKind = workflow.CancelNormal
			newHandle.CancelRequested = true
			e.current = newHandle
			e.handleAction(ctx, newHandle)
			return
		}

		// Step 5: duplicate caused by transport reconnect (e.g. a reboot that
		// re-drives the cached goal state via HandleStartup after the engine
		// already finished and persisted this deployment id).
		if action == workflow.ActionProcessDeployment &&
			newHandle.DeploymentID == e.lastCompletedID &&
			!forceDeferral && !newHandle.ForceUpdate {
			return
		}

		e.current = newHandle
		e.handleAction(ctx, newHandle)
		return
	}

	// Step 2: cancel of the current workflow.
	if action == workflow.ActionCancel {
		if cur.CancellationKind == workflow.CancelNone {
			cur.RequestCancel(workflow.CancelNormal)
			e.handleAction(ctx, cur)
		}
		return
	}

	if action != workflow.ActionProcessDeployment {
		return
	}

	sameID := cur.DeploymentID == newHandle.DeploymentID

	// Step 3: same id, not forced — potential retry.
	if sameID && !forceDeferral {
		if isApplicableRetry(cur.RetryToken, newHandle.RetryToken) {
			cur.RetryToken = newHandle.RetryToken
			cur.RequestCancel(workflow.CancelRetry)
			e.handleAction(ctx, cur)
		}
		return
	}

	// Step 5: duplicate caused by transport reconnect.
	if newHandle.DeploymentID == e.lastCompletedID && !forceDeferral && !newHandle.ForceUpdate {
		return
	}

	// Step 4: replacement.
	if cur.IsMidFlight() {
		cur.PendingReplacement = &workflow.PendingReplacement{Update: workflow.PropertyUpdate{
			UpdateID:        newHandle.Manifest.UpdateID,
			Action:          workflow.ActionProcessDeployment,
			RetryTimestamp:  newHandle.RetryToken,
			Compatibilities: newHandle.Manifest.Compatibilities,
			Steps:           newHandle.Manifest.Steps,
		}}
		cur.RequestCancel(workflow.CancelReplacement)
		e.handleAction(ctx, cur)
		return
	}

	e.current = newHandle
	e.handleAction(ctx, newHandle)
}

// isApplicableRetry reports whether newToken supersedes storedToken under
// the lexicographic rule in §4.1 step 3.
func isApplicableRetry(storedToken, newToken string) bool {
	if newToken == "" {
		return false
	}
	if storedToken == "" {
		return true
	}
	return newToken > storedToken
}

// handleAction implements the "Action handling" paragraph of §4.1.
func (e *Engine) handleAction(ctx context.Context, h *workflow.Handle) {
	if h.OperationInProgress {
		if h.CancelRequested {
			e.invokeCancel(ctx, h)
		}
		return
	}

	if h.CancelRequested && h.CurrentStep == workflow.StepUndefined {
		// A cancel arrived for a workflow that never started any operation;
		// there is nothing for a handler to cancel.
		e.finalizeNormalCancel(ctx, h)
		return
	}

	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		e.reportFailed(ctx, h, workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()})
		return
	}

	isInstalled, err := hd.IsInstalled(ctx, h)
	if err != nil {
		e.reportFailed(ctx, h, workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()})
		return
	}
	if isInstalled.Code == handler.ResultInstalled {
		e.markCompleted(ctx, h.DeploymentID)
		e.reportIdleInstalled(ctx, h)
		e.destroy(h)
		return
	}

	if err := e.cleanupStaleSandboxes(h); err != nil {
		logging.Error("engine: stale sandbox cleanup failed for %s: %v", h.DeploymentID, err)
	}

	h.CurrentStep = workflow.StepProcessDeployment
	if e.telemetry != nil {
		e.telemetry.DeploymentStarted(h)
	}
	e.transition(ctx, h, workflow.StepProcessDeployment)
}

func (e *Engine) cleanupStaleSandboxes(h *workflow.Handle) error {
	siblings, err := e.sandbox.Siblings(h.SandboxBase(), h.DeploymentID)
	if err != nil {
		return err
	}
	for _, dir := range siblings {
		if err := e.sandbox.Destroy(dir); err != nil {
			logging.Error("engine: failed destroying stale sandbox %s: %v", dir, err)
		}
	}
	return nil
}

func (e *Engine) invokeCancel(ctx context.Context, h *workflow.Handle) {
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return
	}
	if _, err := hd.Cancel(ctx, h); err != nil {
		logging.Error("engine: handler cancel failed for %s: %v", h.DeploymentID, err)
	}
}

func (e *Engine) loadHandler(ctx context.Context, h *workflow.Handle) (handler.Handler, error) {
	hd, err := e.manager.LoadContentHandler(ctx, h.UpdateType)
	if err != nil {
		return nil, err
	}
	if !handler.SupportedContractVersions[hd.ContractVersion()] {
		return nil, fmt.Errorf("%w: %s declares %s", handler.ErrContractVersionUnsupported, h.UpdateType, hd.ContractVersion())
	}
	return hd, nil
}

// transition implements the "Transition" paragraph of §4.1: look up the
// step, mark in-progress, call its operation, and either run the completion
// path synchronously or wait for the async CompletionFunc.
func (e *Engine) transition(ctx context.Context, h *workflow.Handle, step workflow.Step) {
	entry, ok := dispatchTable[step]
	if !ok {
		logging.Error("engine: no dispatch entry for step %s", step)
		return
	}

	h.CurrentStep = step
	h.OperationInProgress = true
	h.CompletionToken = ulid.Make().String()
	token := h.CompletionToken
	if e.telemetry != nil {
		e.telemetry.StepStarted(h, step)
	}

	done := func(result workflow.Result) {
		e.submit(func() {
			if h.CompletionToken != token {
				logging.Debug("engine: dropping stale completion for %s step %s", h.DeploymentID, step)
				return
			}
			e.complete(ctx, h, entry, result)
		})
	}

	result, err := entry.Operation(ctx, e, h, done)
	if err != nil {
		logging.Error("engine: operation for step %s on %s returned error: %v", step, h.DeploymentID, err)
	}
	if handler.IsInProgressResult(result) {
		return
	}
	e.complete(ctx, h, entry, result)
}

// complete implements the "Completion callback" paragraph of §4.1.
func (e *Engine) complete(ctx context.Context, h *workflow.Handle, entry dispatchEntry, result workflow.Result) {
	h.OperationInProgress = false
	h.CurrentResult = result
	if e.telemetry != nil {
		e.telemetry.StepEnded(h, h.CurrentStep, result)
	}
	entry.Completion(e, h, result)

	success := result.Code != handler.ResultGenericFailure && !handler.IsCancelledResult(result)

	if success {
		e.onSuccess(ctx, h, entry, result)
		return
	}

	if h.CancelRequested {
		e.onCancelledFailure(ctx, h)
		return
	}

	e.onFailure(ctx, h, entry, result)
}

func (e *Engine) onSuccess(ctx context.Context, h *workflow.Handle, entry dispatchEntry, result workflow.Result) {
	next := entry.NextStateOnSuccess
	h.LastReportedState = next.State

	if next.State == workflow.StateIdle {
		e.onApplyCompletion(ctx, h, result)
		return
	}

	h.CancelRequested = false
	e.manager.ReportStateAndResult(ctx, h, h.LastReportedState, &result, nil)

	if next.Step == workflow.StepUndefined {
		e.markCompleted(ctx, h.DeploymentID)
		e.destroy(h)
		return
	}
	e.transition(ctx, h, next.Step)
}

// onApplyCompletion implements "Apply completion and reboot" (§4.1).
func (e *Engine) onApplyCompletion(ctx context.Context, h *workflow.Handle, result workflow.Result) {
	h.CancelRequested = false

	switch {
	case h.RebootRequiredImmediate || h.RebootRequiredDeferred:
		if err := e.rebootFn(h); err == nil {
			e.systemRebootInProgress = true
			e.markCompleted(ctx, h.DeploymentID)
			return // device is going down; Idle is not reported upstream
		}
		logging.Error("engine: reboot initiation failed for %s, falling through to Idle report without installed update id", h.DeploymentID)
		h.RebootRequiredImmediate = false
		h.RebootRequiredDeferred = false
		e.reportIdleWithoutInstalledID(ctx, h)
		e.markCompleted(ctx, h.DeploymentID)
		e.destroy(h)
		return
	case h.RestartRequiredImmediate || h.RestartRequiredDeferred:
		if err := e.restartFn(h); err == nil {
			e.systemRestartInProgress = true
			e.markCompleted(ctx, h.DeploymentID)
			return
		}
		logging.Error("engine: agent restart initiation failed for %s, falling through to Idle report without installed update id", h.DeploymentID)
		h.RestartRequiredImmediate = false
		h.RestartRequiredDeferred = false
		e.reportIdleWithoutInstalledID(ctx, h)
		e.markCompleted(ctx, h.DeploymentID)
		e.destroy(h)
		return
	}

	e.reportIdleInstalled(ctx, h)
	e.markCompleted(ctx, h.DeploymentID)
	e.destroy(h)
}

func (e *Engine) onCancelledFailure(ctx context.Context, h *workflow.Handle) {
	switch h.CancellationKind {
	case workflow.CancelReplacement:
		e.destroySandboxOnly(h)
		pending := h.PendingReplacement
		h.PendingReplacement = nil
		if pending == nil {
			logging.Error("engine: replacement cancellation for %s with no pending replacement attached", h.DeploymentID)
			e.onCancelNormal(ctx, h)
			return
		}
		newHandle := workflow.NewRootHandle(pending.Update, e.cfg.DownloadsBase)
		e.current = newHandle
		e.handleAction(ctx, newHandle)
	case workflow.CancelRetry, workflow.CancelComponentChanged:
		h.ResetForReentry()
		e.handleAction(ctx, h)
	case workflow.CancelNormal:
		e.onCancelNormal(ctx, h)
	default:
		logging.Error("engine: invariant violation — failure with cancel_requested but cancellation kind is %s for %s", h.CancellationKind, h.DeploymentID)
	}
}

func (e *Engine) onCancelNormal(ctx context.Context, h *workflow.Handle) {
	e.finalizeNormalCancel(ctx, h)
}

func (e *Engine) finalizeNormalCancel(ctx context.Context, h *workflow.Handle) {
	result := handler.CancelledResult(handler.BandGeneric, "cancelled")
	h.LastReportedState = workflow.StateIdle
	e.manager.ReportStateAndResult(ctx, h, workflow.StateIdle, &result, nil)
	e.destroy(h)
}

func (e *Engine) onFailure(ctx context.Context, h *workflow.Handle, entry dispatchEntry, result workflow.Result) {
	next := entry.NextStateOnFailure
	h.LastReportedState = next.State
	h.CancelRequested = false

	if ok := e.manager.ReportStateAndResult(ctx, h, next.State, &result, nil); !ok {
		logging.Error("engine: report_state_and_result transport failure for %s", h.DeploymentID)
	}

	if next.Step == workflow.StepUndefined {
		e.destroy(h)
		return
	}
	e.transition(ctx, h, next.Step)
}

func (e *Engine) reportIdleInstalled(ctx context.Context, h *workflow.Handle) {
	id := h.Manifest.UpdateID
	h.LastReportedState = workflow.StateIdle
	e.manager.ReportStateAndResult(ctx, h, workflow.StateIdle, nil, &id)
}

// reportIdleWithoutInstalledID reports Idle with no installed update id, so
// the cloud treats the deployment as failed (§4.1 "Apply completion and
// reboot"): used when a reboot/restart was required but the agent failed to
// initiate it, so the install never actually took effect on the device.
func (e *Engine) reportIdleWithoutInstalledID(ctx context.Context, h *workflow.Handle) {
	h.LastReportedState = workflow.StateIdle
	e.manager.ReportStateAndResult(ctx, h, workflow.StateIdle, nil, nil)
}

func (e *Engine) reportFailed(ctx context.Context, h *workflow.Handle, result workflow.Result) {
	h.LastReportedState = workflow.StateFailed
	e.manager.ReportStateAndResult(ctx, h, workflow.StateFailed, &result, nil)
}

func (e *Engine) markCompleted(ctx context.Context, id string) {
	e.lastCompletedID = id
	if err := e.store.SetLastCompletedWorkflowID(ctx, id); err != nil {
		logging.Error("engine: failed persisting last completed workflow id %s: %v", id, err)
	}
}

func (e *Engine) destroy(h *workflow.Handle) {
	if e.telemetry != nil {
		e.telemetry.DeploymentEnded(h, h.CurrentResult)
	}
	if err := e.sandbox.Destroy(h.SandboxPath()); err != nil {
		logging.Debug("engine: sandbox destroy for %s: %v", h.DeploymentID, err)
	}
	if e.current == h {
		e.current = nil
	}
}

func (e *Engine) destroySandboxOnly(h *workflow.Handle) {
	if err := e.sandbox.Destroy(h.SandboxPath()); err != nil {
		logging.Debug("engine: sandbox destroy for %s: %v", h.DeploymentID, err)
	}
}

