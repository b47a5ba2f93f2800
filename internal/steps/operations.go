package steps

import (
	"context"
	"encoding/json"

	"fleetagent/internal/handler"
	"fleetagent/internal/logging"
	"fleetagent/internal/workflow"
)

// Download implements "*Download." (§4.3): for each selected component, for
// each child step in order, skip already-installed leaves and download the
// rest. Any failure aborts the iteration.
func (o *Orchestrator) Download(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	if err := o.ensureChildren(ctx, h); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}

	iterations, err := componentIterations(h.SelectedComponents)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}

	for _, component := range iterations {
		for i, child := range h.Children {
			if h.IsCancelRequested() {
				return handler.CancelledResult(handler.BandStepsHandler, "cancelled during download"), nil
			}
			if !isReferenceStep(h, i) {
				child.SelectedComponents = wrapSingle(component)
			}

			hd, err := o.loadLeaf(ctx, child)
			if err != nil {
				return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
			}

			installed, err := hd.IsInstalled(ctx, child)
			if err == nil && installed.Code == handler.ResultInstalled {
				child.CurrentResult = workflow.Result{Code: handler.ResultDownloadSkipped, Details: "already installed"}
				continue
			}

			result, err := hd.Download(ctx, child, nil)
			child.CurrentResult = result
			if err != nil || result.Code != handler.ResultDownloadSuccess {
				return result, err
			}
		}
	}

	return workflow.Result{Code: handler.ResultDownloadSuccess}, nil
}

// Install implements "*Install." (§4.3). For each leaf step, in order:
// IsInstalled (skip if installed) -> Backup -> Install -> Apply, with Apply
// invoked inline here because the composite's own Apply is a no-op.
func (o *Orchestrator) Install(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	if err := o.ensureChildren(ctx, h); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}

	iterations, err := componentIterations(h.SelectedComponents)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}

	for _, component := range iterations {
		for i, child := range h.Children {
			if h.IsCancelRequested() {
				return handler.CancelledResult(handler.BandStepsHandler, "cancelled during install"), nil
			}
			if !isReferenceStep(h, i) {
				child.SelectedComponents = wrapSingle(component)
			}

			hd, err := o.loadLeaf(ctx, child)
			if err != nil {
				return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
			}

			if installed, err := hd.IsInstalled(ctx, child); err == nil && installed.Code == handler.ResultInstalled {
				child.CurrentResult = workflow.Result{Code: handler.ResultInstallSkippedAlreadyInstalled}
				continue
			}

			if _, err := hd.Backup(ctx, child, nil); err != nil {
				logging.Error("steps: backup failed for step %d of %s (continuing to install per handler contract): %v", i, h.DeploymentID, err)
			}

			installResult, err := hd.Install(ctx, child, nil)
			child.CurrentResult = installResult
			if err != nil {
				o.bestEffortRestore(ctx, hd, child)
				return installResult, err
			}

			switch installResult.Code {
			case handler.ResultInstallRebootRequiredImmediate:
				h.RebootRequiredImmediate = true
			case handler.ResultInstallRebootRequiredDeferred:
				h.RebootRequiredDeferred = true
			case handler.ResultInstallRestartRequiredImmediate:
				h.RestartRequiredImmediate = true
			case handler.ResultInstallRestartRequiredDeferred:
				h.RestartRequiredDeferred = true
			}
			// A reference step's child is itself "steps:1" (orchestrator.go),
			// so hd.Install above may have recursed into another Orchestrator
			// frame that masked its own reboot/restart code down to
			// ResultInstallSuccess after setting the flags on child. Pull
			// those back up onto h so the signal isn't lost at this level.
			if child.RebootRequiredImmediate {
				h.RebootRequiredImmediate = true
			}
			if child.RebootRequiredDeferred {
				h.RebootRequiredDeferred = true
			}
			if child.RestartRequiredImmediate {
				h.RestartRequiredImmediate = true
			}
			if child.RestartRequiredDeferred {
				h.RestartRequiredDeferred = true
			}
			if h.RebootRequiredImmediate || h.RebootRequiredDeferred || h.RestartRequiredImmediate || h.RestartRequiredDeferred {
				return workflow.Result{Code: handler.ResultInstallSuccess}, nil
			}

			if installResult.Code == handler.ResultInstallSkippedAlreadyInstalled || installResult.Code == handler.ResultInstallSkippedNoMatchingComponents {
				continue
			}

			if installResult.Code != handler.ResultInstallSuccess {
				o.bestEffortRestore(ctx, hd, child)
				return installResult, nil
			}

			applyResult, err := hd.Apply(ctx, child, nil)
			child.CurrentResult = applyResult
			if err != nil || (applyResult.Code != handler.ResultApplySuccess &&
				applyResult.Code != handler.ResultApplyRebootRequiredImmediate &&
				applyResult.Code != handler.ResultApplyRebootRequiredDeferred &&
				applyResult.Code != handler.ResultApplyRestartRequiredImmediate &&
				applyResult.Code != handler.ResultApplyRestartRequiredDeferred) {
				o.bestEffortRestore(ctx, hd, child)
				return applyResult, err
			}

			switch applyResult.Code {
			case handler.ResultApplyRebootRequiredImmediate:
				h.RebootRequiredImmediate = true
			case handler.ResultApplyRebootRequiredDeferred:
				h.RebootRequiredDeferred = true
			case handler.ResultApplyRestartRequiredImmediate:
				h.RestartRequiredImmediate = true
			case handler.ResultApplyRestartRequiredDeferred:
				h.RestartRequiredDeferred = true
			}
		}
	}

	return workflow.Result{Code: handler.ResultInstallSuccess}, nil
}

func (o *Orchestrator) bestEffortRestore(ctx context.Context, hd handler.Handler, child *workflow.Handle) {
	if _, err := hd.Restore(ctx, child, nil); err != nil {
		logging.Error("steps: best-effort restore failed for step %d: %v", child.StepIndex, err)
	}
}

// Apply is a no-op for a composite workflow: leaf Apply already ran inside
// Install above.
func (o *Orchestrator) Apply(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	return workflow.Result{Code: handler.ResultApplySuccess}, nil
}

// Backup is a no-op at the composite level; each leaf performs its own
// backup inline during Install.
func (o *Orchestrator) Backup(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	return workflow.Result{Code: handler.ResultGenericSuccess}, nil
}

// Restore is a no-op at the composite level; failed leaves already
// restored themselves, best-effort, inside Install.
func (o *Orchestrator) Restore(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	return workflow.Result{Code: handler.ResultGenericSuccess}, nil
}

// IsInstalled implements "*IsInstalled." (§4.3): short-circuits on the
// first component x step pair that is not installed. A reference step
// with zero matched components is optional and reports Installed.
func (o *Orchestrator) IsInstalled(ctx context.Context, h *workflow.Handle) (workflow.Result, error) {
	if err := o.ensureChildren(ctx, h); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
	}

	for i, child := range h.Children {
		if isReferenceStep(h, i) {
			var matched []json.RawMessage
			if len(child.SelectedComponents) == 0 ||
				(json.Unmarshal(child.SelectedComponents, &matched) == nil && len(matched) == 0) {
				continue // optional reference step, nothing matched
			}
		}

		iterations, err := componentIterations(h.SelectedComponents)
		if err != nil {
			return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
		}

		for _, component := range iterations {
			if !isReferenceStep(h, i) {
				child.SelectedComponents = wrapSingle(component)
			}
			hd, err := o.loadLeaf(ctx, child)
			if err != nil {
				return workflow.Result{Code: handler.ResultGenericFailure, Details: err.Error()}, err
			}
			result, err := hd.IsInstalled(ctx, child)
			if err != nil {
				return result, err
			}
			if result.Code != handler.ResultInstalled {
				return workflow.Result{Code: handler.ResultNotInstalled}, nil
			}
		}
	}

	h.CurrentResult = workflow.Result{Code: handler.ResultApplySuccess}
	return workflow.Result{Code: handler.ResultInstalled}, nil
}

// Cancel sets cancel_requested on the parent; children observe it the next
// time they are visited by the iteration loops above.
func (o *Orchestrator) Cancel(ctx context.Context, h *workflow.Handle) (workflow.Result, error) {
	if h.CurrentStep == workflow.StepUndefined {
		return workflow.Result{Code: handler.ResultCancelUnableToCancel}, nil
	}
	h.RequestCancel(workflow.CancelNormal)
	return workflow.Result{Code: handler.ResultCancelSuccess}, nil
}
