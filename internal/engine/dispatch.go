package engine

import (
	"context"

	"fleetagent/internal/handler"
	"fleetagent/internal/logging"
	"fleetagent/internal/workflow"
)

// OperationFunc performs one workflow step. It may return a terminal Result
// synchronously, or return handler.ResultInProgress (or the download-specific
// handler.ResultDownloadInProgress) and later invoke done exactly once from a
// worker goroutine — see Engine.transition for how the engine tells the two
// apart.
type OperationFunc func(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error)

// CompletionHookFunc runs after an operation's terminal result is known,
// regardless of whether it arrived synchronously or asynchronously. The
// Install/Apply/Restore rows use it to observe reboot/restart requests; see
// rebootRestartArbiter for why it does not initiate them.
type CompletionHookFunc func(e *Engine, h *workflow.Handle, result workflow.Result)

// dispatchEntry is one row of the action dispatch table (§4.2).
type dispatchEntry struct {
	Operation  OperationFunc
	Completion CompletionHookFunc

	NextStateOnSuccess DeploymentStateOrStep
	NextStateOnFailure DeploymentStateOrStep
}

// DeploymentStateOrStep pairs the state to report with the step to transition
// to next; StepUndefined means the workflow ends (success) or waits for the
// cloud to cancel (failure reporting Failed).
type DeploymentStateOrStep struct {
	State workflow.DeploymentState
	Step  workflow.Step
}

func noopCompletion(*Engine, *workflow.Handle, workflow.Result) {}

// dispatchTable is declared in the order given by spec.md §4.2.
var dispatchTable = map[workflow.Step]dispatchEntry{
	workflow.StepProcessDeployment: {
		Operation:  opProcessDeployment,
		Completion: noopCompletion,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateDeploymentInProgress, workflow.StepDownload},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepUndefined},
	},
	workflow.StepDownload: {
		Operation:  opDownload,
		Completion: noopCompletion,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateDownloadSucceeded, workflow.StepBackup},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepUndefined},
	},
	workflow.StepBackup: {
		Operation:  opBackup,
		Completion: noopCompletion,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateBackupSucceeded, workflow.StepInstall},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepUndefined},
	},
	workflow.StepInstall: {
		Operation:  opInstall,
		Completion: rebootRestartArbiter,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateInstallSucceeded, workflow.StepApply},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepRestore},
	},
	workflow.StepApply: {
		Operation:  opApply,
		Completion: rebootRestartArbiter,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateIdle, workflow.StepUndefined},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepRestore},
	},
	workflow.StepRestore: {
		Operation:  opRestore,
		Completion: rebootRestartArbiter,
		NextStateOnSuccess: DeploymentStateOrStep{workflow.StateIdle, workflow.StepUndefined},
		NextStateOnFailure: DeploymentStateOrStep{workflow.StateFailed, workflow.StepUndefined},
	},
}

// opProcessDeployment performs the pre-flight checks shared by every
// deployment before any handler is invoked: the manifest must carry at least
// one step. Contract-version checks happen later, per step, when the
// matching handler is actually loaded (§4.4). It never calls into a handler.
func opProcessDeployment(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	if len(h.Manifest.Steps) == 0 {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: "manifest has no steps"}, nil
	}
	return workflow.Result{Code: handler.ResultGenericSuccess}, nil
}

func opDownload(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	if err := e.sandbox.Create(h.SandboxPath()); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	return hd.Download(ctx, h, done)
}

func opBackup(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	return hd.Backup(ctx, h, done)
}

func opInstall(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	return hd.Install(ctx, h, done)
}

func opApply(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	return hd.Apply(ctx, h, done)
}

func opRestore(ctx context.Context, e *Engine, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	hd, err := e.loadHandler(ctx, h)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}
	return hd.Restore(ctx, h, done)
}

// rebootRestartArbiter is the completion function shared by Install, Apply,
// and Restore (§4.2). It does not itself invoke the reboot/agent-restart
// system call: Install's dispatch-table success successor is Apply, not
// Idle, and for a "steps:1" deployment the per-leaf Apply that actually
// matters already ran inline inside Install (§4.3) — so a flag set here may
// describe work the Apply dispatch row is about to report on, not a reboot
// to fire immediately. The single point that performs the privileged call is
// onApplyCompletion, reached only when a dispatch row's success transition
// lands on Idle (Apply and Restore's rows — see §4.1 "Apply completion and
// reboot"). This hook's job is limited to observing and logging that a
// completion arrived with the flags already set, which is useful during the
// Install → Apply hand-off.
func rebootRestartArbiter(e *Engine, h *workflow.Handle, result workflow.Result) {
	if result.Code != handler.ResultInstallSuccess && result.Code != handler.ResultApplySuccess {
		return
	}
	if h.RebootRequiredImmediate || h.RebootRequiredDeferred || h.RestartRequiredImmediate || h.RestartRequiredDeferred {
		logging.Debug("engine: %s carries reboot/restart request into next dispatch row for %s", h.CurrentStep, h.DeploymentID)
	}
}
