// Package extension defines the pluggable boundary the engine depends on for
// everything it does not implement itself: loading named handlers,
// downloading files, enumerating/selecting components, and reporting state
// back to the cloud (§4.5). Production agents supply their own Manager
// backed by a real extension loader, download client, component enumerator,
// and cloud transport; this package also ships DemoManager, a filesystem
// reference implementation for tests and the CLI's simulate command.
package extension

import (
	"context"
	"encoding/json"

	"fleetagent/internal/handler"
	"fleetagent/internal/workflow"
)

// DownloadOptions carries the extra per-download knobs the engine may need
// to pass through to the download client (e.g. resumability hints).
type DownloadOptions struct {
	ResumeFromOffset int64
}

// Manager is the abstract contract the engine and the steps orchestrator
// consume. It is never freed by the engine; lifetime belongs to whoever
// constructs it.
type Manager interface {
	// LoadContentHandler returns a handler instance by update-type name,
	// e.g. "apt:1", "script:1", "steps:1".
	LoadContentHandler(ctx context.Context, updateType string) (handler.Handler, error)

	// DownloadFile fetches one file entity into the workflow's sandbox.
	DownloadFile(ctx context.Context, file workflow.FileEntity, h *workflow.Handle, opts DownloadOptions) (workflow.Result, error)

	// SelectComponents returns the subset of enumerated components matching
	// selector, or an empty document if no enumerator is registered.
	SelectComponents(ctx context.Context, selector workflow.Compatibility) (json.RawMessage, error)

	// ReportStateAndResult pushes a state/result payload to the cloud
	// transport. A false return indicates a transport-level failure. The
	// engine only logs it, and only for the report it sends after a failed
	// step; it does not move the handle to Failed because of it.
	ReportStateAndResult(ctx context.Context, h *workflow.Handle, state workflow.DeploymentState, result *workflow.Result, installedUpdateID *workflow.UpdateID) bool

	// HasComponentEnumerator reports whether a component enumerator is
	// registered. When false, reference steps target the host device
	// directly and SelectComponents is never called (§4.3).
	HasComponentEnumerator() bool
}
