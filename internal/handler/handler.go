// Package handler defines the capability contract step handlers implement,
// and the banded result-code space handlers report through.
package handler

import (
	"context"
	"errors"

	"fleetagent/internal/workflow"
)

// ErrContractVersionUnsupported is reported when the engine cannot dispatch
// to a handler because it declares a contract version the engine does not
// recognise (§4.4).
var ErrContractVersionUnsupported = errors.New("handler: contract version unsupported")

// ContractVersion identifies the shape of operations a handler implements.
type ContractVersion string

const (
	ContractV1 ContractVersion = "1.0"
)

// SupportedContractVersions is the closed set of versions this engine build
// can dispatch to. Extend deliberately — see the Design Notes in spec.md.
var SupportedContractVersions = map[ContractVersion]bool{
	ContractV1: true,
}

// CompletionFunc is invoked by a handler operation that returned an
// in-progress code once the operation actually finishes, possibly from a
// worker goroutine. The engine treats synchronous and asynchronous
// completion uniformly: a synchronous terminal result and this callback
// both lead into the same completion path.
type CompletionFunc func(result workflow.Result)

// Handler is the capability set every update-type implementation exposes.
// An operation may either return a terminal Result synchronously, or return
// an in-progress Result and invoke the supplied CompletionFunc exactly once
// later. Every operation must poll ctx / handle.IsCancelRequested() at
// progress-safe points and return a CancelledResult promptly once set.
type Handler interface {
	ContractVersion() ContractVersion

	IsInstalled(ctx context.Context, h *workflow.Handle) (workflow.Result, error)
	Download(ctx context.Context, h *workflow.Handle, done CompletionFunc) (workflow.Result, error)
	Backup(ctx context.Context, h *workflow.Handle, done CompletionFunc) (workflow.Result, error)
	Install(ctx context.Context, h *workflow.Handle, done CompletionFunc) (workflow.Result, error)
	Apply(ctx context.Context, h *workflow.Handle, done CompletionFunc) (workflow.Result, error)
	Restore(ctx context.Context, h *workflow.Handle, done CompletionFunc) (workflow.Result, error)
	Cancel(ctx context.Context, h *workflow.Handle) (workflow.Result, error)
}

// ResultInProgress is the sentinel result_code every async operation outside
// the download family returns synchronously before its real result arrives
// via CompletionFunc. Download has its own family member, ResultDownloadInProgress,
// because download progress is reported more granularly (§7).
const ResultInProgress = -1

// IsInProgressResult reports whether r signals an async operation still
// running, covering both the generic sentinel and the download-specific one.
func IsInProgressResult(r workflow.Result) bool {
	return r.Code == ResultInProgress || r.Code == ResultDownloadInProgress
}

const (
	ResultGenericFailure = 0
	// ResultGenericSuccess is used by engine-internal steps that precede any
	// handler dispatch (ProcessDeployment) and so have no handler-specific
	// success family of their own.
	ResultGenericSuccess = 1

	// Download outcomes (500-521)
	ResultDownloadSuccess            = 500
	ResultDownloadInProgress         = 501
	ResultDownloadSkipped            = 502
	ResultDownloadHandlerSkip        = 503
	ResultDownloadRequireFullDownload = 504

	// Install outcomes (600-608)
	ResultInstallSuccess                   = 600
	ResultInstallSkippedAlreadyInstalled   = 601
	ResultInstallSkippedNoMatchingComponents = 602
	ResultInstallRebootRequiredImmediate   = 603
	ResultInstallRebootRequiredDeferred    = 604
	ResultInstallRestartRequiredImmediate  = 605
	ResultInstallRestartRequiredDeferred   = 606

	// Apply outcomes (700-708)
	ResultApplySuccess                  = 700
	ResultApplyRebootRequiredImmediate  = 701
	ResultApplyRebootRequiredDeferred   = 702
	ResultApplyRestartRequiredImmediate = 703
	ResultApplyRestartRequiredDeferred  = 704

	// Cancel outcomes (800-801)
	ResultCancelSuccess       = 800
	ResultCancelUnableToCancel = 801

	// IsInstalled outcomes (900-901)
	ResultInstalled    = 900
	ResultNotInstalled = 901
)

// ExtendedCodeBand reserves the top four bits of the 32-bit
// extended_result_code space for each subsystem; the low 28 bits carry the
// subsystem-local code (§7's banded layout).
type ExtendedCodeBand int32

const (
	BandGeneric        ExtendedCodeBand = 0x00000000
	BandStepsHandler    ExtendedCodeBand = 0x10000000
	BandScriptHandler   ExtendedCodeBand = 0x20000000
	BandDownloadPipeline ExtendedCodeBand = 0x30000000
)

// ExtendedCode composes a band and a subsystem-local code into one
// extended_result_code value.
func ExtendedCode(band ExtendedCodeBand, local int32) int32 {
	return int32(band) | (local & 0x0FFFFFFF)
}

const (
	// ExtCancelled marks a handler result as the product of a cooperative
	// cancellation rather than an organic failure.
	ExtCancelled int32 = 1
)

// IsCancelledResult reports whether a Result represents a cooperative cancel,
// regardless of which band produced it.
func IsCancelledResult(r workflow.Result) bool {
	return r.ExtendedCode&0x0FFFFFFF == ExtCancelled
}

// CancelledResult builds the standard cancellation result for a given
// handler-local band, used by handlers and the orchestrator alike when they
// observe CancelRequested and unwind.
func CancelledResult(band ExtendedCodeBand, details string) workflow.Result {
	return workflow.Result{
		Code:         ResultGenericFailure,
		ExtendedCode: ExtendedCode(band, ExtCancelled),
		Details:      details,
	}
}
