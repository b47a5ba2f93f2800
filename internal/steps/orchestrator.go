// Package steps implements the handler for update-type "steps:1": the
// composite orchestrator that drives an ordered list of child steps, each
// either inline (a leaf handler) or a reference to a detached child
// manifest (spec §4.3). The orchestrator is itself registered under
// "steps:1" in the extension manager, so a reference step's child —
// which is itself a composite deployment — is dispatched back through the
// same Orchestrator instance, recursively, bounded to tree depth 2 by the
// invariant that a reference child's own steps must all be inline.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fleetagent/internal/extension"
	"fleetagent/internal/handler"
	"fleetagent/internal/workflow"
)

const UpdateType = "steps:1"

// Orchestrator implements handler.Handler for composite "steps:1" updates.
type Orchestrator struct {
	manager extension.Manager
}

// New constructs an Orchestrator. Register it under UpdateType with the
// extension manager used by the engine so both the root deployment and any
// reference-step children resolve back to it.
func New(manager extension.Manager) *Orchestrator {
	return &Orchestrator{manager: manager}
}

func (o *Orchestrator) ContractVersion() handler.ContractVersion {
	return handler.ContractV1
}

// ensureChildren implements "Child workflow materialisation" (§4.3).
// Existing children are kept only if their count matches the step count,
// protecting against partial persistence across restarts.
func (o *Orchestrator) ensureChildren(ctx context.Context, h *workflow.Handle) error {
	if len(h.Children) == len(h.Manifest.Steps) && len(h.Children) > 0 {
		return nil
	}

	children := make([]*workflow.Handle, len(h.Manifest.Steps))
	for i, step := range h.Manifest.Steps {
		if step.IsReference() {
			child, err := o.materializeReferenceChild(ctx, h, i, step)
			if err != nil {
				return fmt.Errorf("steps: materialize reference step %d: %w", i, err)
			}
			children[i] = child
			continue
		}

		child := workflow.NewChildHandle(h, i, workflow.Manifest{
			UpdateID:        h.Manifest.UpdateID,
			Compatibilities: h.Manifest.Compatibilities,
			Steps:           []workflow.StepSpec{step},
		}, step.UpdateType)
		child.SelectedComponents = h.SelectedComponents
		children[i] = child
	}

	h.Children = children
	return nil
}

func (o *Orchestrator) materializeReferenceChild(ctx context.Context, h *workflow.Handle, index int, step workflow.StepSpec) (*workflow.Handle, error) {
	result, err := o.manager.DownloadFile(ctx, *step.DetachedManifest, h, extension.DownloadOptions{})
	if err != nil {
		return nil, err
	}
	if result.Code != handler.ResultDownloadSuccess {
		return nil, fmt.Errorf("detached manifest download failed: code=%d details=%s", result.Code, result.Details)
	}

	data, err := os.ReadFile(filepath.Join(h.SandboxPath(), step.DetachedManifest.Name))
	if err != nil {
		return nil, fmt.Errorf("read downloaded detached manifest: %w", err)
	}

	var childManifest workflow.Manifest
	if err := json.Unmarshal(data, &childManifest); err != nil {
		return nil, fmt.Errorf("parse detached manifest: %w", err)
	}

	child := workflow.NewChildHandle(h, index, childManifest, UpdateType)

	if o.manager.HasComponentEnumerator() && len(childManifest.Compatibilities) > 0 {
		components, err := o.manager.SelectComponents(ctx, childManifest.Compatibilities[0])
		if err != nil {
			return nil, fmt.Errorf("select components for reference step: %w", err)
		}
		child.SelectedComponents = components
	}

	return child, nil
}

// componentIterations implements "Component iteration" (§4.3): extracts a
// single-element selector per iteration from the parent's selected
// components document. A nil element means "no component context" — used
// when there is no enumerator at all, so the callers' component loops run
// exactly once.
func componentIterations(selected json.RawMessage) ([]json.RawMessage, error) {
	if len(selected) == 0 {
		return []json.RawMessage{nil}, nil
	}

	var components []json.RawMessage
	if err := json.Unmarshal(selected, &components); err != nil {
		return nil, fmt.Errorf("steps: parse selected components: %w", err)
	}
	if len(components) == 0 {
		return []json.RawMessage{nil}, nil
	}
	return components, nil
}

func wrapSingle(component json.RawMessage) json.RawMessage {
	if component == nil {
		return nil
	}
	wrapped, _ := json.Marshal([]json.RawMessage{component})
	return wrapped
}

// isReferenceStep reports whether the manifest step at index i is a
// reference step, consulting the parent's own view (children don't carry
// this bit directly).
func isReferenceStep(h *workflow.Handle, index int) bool {
	if index < 0 || index >= len(h.Manifest.Steps) {
		return false
	}
	return h.Manifest.Steps[index].IsReference()
}

func (o *Orchestrator) loadLeaf(ctx context.Context, child *workflow.Handle) (handler.Handler, error) {
	return o.manager.LoadContentHandler(ctx, child.UpdateType)
}
