// Package workflow defines the deployment data model (states, steps, the
// property-update and manifest types, and the Handle tree) that the engine
// and steps packages drive from cloud-issued update manifests.
package workflow

import "encoding/json"

// DeploymentState is the closed set of states a WorkflowHandle can report.
type DeploymentState string

const (
	StateIdle                 DeploymentState = "Idle"
	StateDeploymentInProgress DeploymentState = "DeploymentInProgress"
	StateDownloadStarted      DeploymentState = "DownloadStarted"
	StateDownloadSucceeded    DeploymentState = "DownloadSucceeded"
	StateBackupStarted        DeploymentState = "BackupStarted"
	StateBackupSucceeded      DeploymentState = "BackupSucceeded"
	StateInstallStarted       DeploymentState = "InstallStarted"
	StateInstallSucceeded     DeploymentState = "InstallSucceeded"
	StateApplyStarted         DeploymentState = "ApplyStarted"
	StateRestoreStarted       DeploymentState = "RestoreStarted"
	StateFailed               DeploymentState = "Failed"
)

// Step is the closed set of workflow steps dispatched through the action table.
type Step string

const (
	StepUndefined          Step = "Undefined"
	StepProcessDeployment  Step = "ProcessDeployment"
	StepDownload           Step = "Download"
	StepBackup             Step = "Backup"
	StepInstall            Step = "Install"
	StepApply              Step = "Apply"
	StepRestore            Step = "Restore"
)

// CancellationKind is the closed set of reasons a deployment may be cancelled.
type CancellationKind string

const (
	CancelNone             CancellationKind = "None"
	CancelNormal           CancellationKind = "Normal"
	CancelReplacement      CancellationKind = "Replacement"
	CancelRetry            CancellationKind = "Retry"
	CancelComponentChanged CancellationKind = "ComponentChanged"
)

// UpdateAction is the closed set of actions received from the cloud.
type UpdateAction int

const (
	ActionUndefined         UpdateAction = 0
	ActionCancel            UpdateAction = 255
	ActionProcessDeployment UpdateAction = -1 // any value other than 0/255 in the wire payload
)

// UpdateID identifies a deployment's manifest: provider/name/version triplet.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// Equal reports whether two update IDs name the same manifest.
func (u UpdateID) Equal(other UpdateID) bool {
	return u.Provider == other.Provider && u.Name == other.Name && u.Version == other.Version
}

// String renders a stable deployment-id form used for sandbox paths and logs.
func (u UpdateID) String() string {
	return u.Provider + "." + u.Name + "." + u.Version
}

// FileEntity describes one downloadable artifact referenced by a step.
type FileEntity struct {
	Name              string `json:"name"`
	SizeInBytes       int64  `json:"sizeInBytes"`
	Hashes            map[string]string `json:"hashes,omitempty"`
	DownloadHandlerID string `json:"downloadHandlerId,omitempty"`
}

// StepSpec is one entry in a manifest's ordered step list.
type StepSpec struct {
	UpdateType       string                 `json:"updateType"`
	HandlerProperties map[string]interface{} `json:"handlerProperties,omitempty"`
	Files            []FileEntity           `json:"files,omitempty"`

	// DetachedManifest is set only for reference steps: it names the file
	// entity carrying the child manifest to be downloaded before the step
	// can be expanded into a child WorkflowHandle.
	DetachedManifest *FileEntity `json:"detachedManifest,omitempty"`
}

// IsReference reports whether this step points at a detached child manifest
// rather than being handled inline by a named handler.
func (s StepSpec) IsReference() bool {
	return s.DetachedManifest != nil
}

// Compatibility is one compatibility descriptor from a manifest, consumed by
// the component enumerator's selector argument.
type Compatibility map[string]interface{}

// Manifest is the immutable, parsed view of an update manifest — either the
// top-level deployment or a reference step's child.
type Manifest struct {
	UpdateID       UpdateID        `json:"updateId"`
	Compatibilities []Compatibility `json:"compatibilities,omitempty"`
	Steps          []StepSpec      `json:"steps"`
}

// Result is the (result_code, extended_result_code, details) triple a
// handler operation returns, per the error-handling design.
type Result struct {
	Code         int    `json:"resultCode"`
	ExtendedCode int32  `json:"extendedResultCode,omitempty"`
	Details      string `json:"resultDetails,omitempty"`
}

// PropertyUpdate is the parsed form of an inbound cloud desired-state payload.
type PropertyUpdate struct {
	UpdateID       UpdateID        `json:"updateId"`
	Action         UpdateAction    `json:"action"`
	RetryTimestamp string          `json:"retryTimestamp,omitempty"`
	// ForceUpdate bypasses the last-completed-id duplicate-suppression check
	// (§4.1 step 5), re-driving a deployment the engine already finished.
	ForceUpdate     bool            `json:"forceUpdate,omitempty"`
	Compatibilities []Compatibility `json:"compatibilities,omitempty"`
	Steps          []StepSpec      `json:"steps"`
}

// Manifest extracts the manifest view carried by a property update.
func (p PropertyUpdate) Manifest() Manifest {
	return Manifest{
		UpdateID:        p.UpdateID,
		Compatibilities: p.Compatibilities,
		Steps:           p.Steps,
	}
}

// classifyAction maps the raw wire action field, which is an integer where
// 0 means Undefined, 255 means Cancel, and any other value means
// ProcessDeployment.
func classifyAction(raw int) UpdateAction {
	switch raw {
	case 0:
		return ActionUndefined
	case 255:
		return ActionCancel
	default:
		return ActionProcessDeployment
	}
}

type rawPropertyUpdate struct {
	UpdateID        UpdateID        `json:"updateId"`
	Action          int             `json:"action"`
	RetryTimestamp  string          `json:"retryTimestamp,omitempty"`
	ForceUpdate     bool            `json:"forceUpdate,omitempty"`
	Compatibilities []Compatibility `json:"compatibilities,omitempty"`
	Steps           []StepSpec      `json:"steps"`
}

// ParsePropertyUpdate decodes a raw JSON desired-state payload. Schema-level
// validation happens upstream in internal/payload; this just maps the wire
// shape onto the typed model and classifies the action field.
func ParsePropertyUpdate(data []byte) (PropertyUpdate, error) {
	var raw rawPropertyUpdate
	if err := json.Unmarshal(data, &raw); err != nil {
		return PropertyUpdate{}, err
	}
	return PropertyUpdate{
		UpdateID:        raw.UpdateID,
		Action:          classifyAction(raw.Action),
		RetryTimestamp:  raw.RetryTimestamp,
		ForceUpdate:     raw.ForceUpdate,
		Compatibilities: raw.Compatibilities,
		Steps:           raw.Steps,
	}, nil
}
