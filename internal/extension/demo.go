package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fleetagent/internal/handler"
	"fleetagent/internal/logging"
	"fleetagent/internal/workflow"
)

var (
	ErrHandlerNotRegistered = errors.New("extension: no handler registered for update type")
	ErrNoContentForFile     = errors.New("extension: no source content registered for file")
)

// ReportedState is one state/result report captured by DemoManager, used by
// tests and by the simulate CLI to print progress without a real cloud
// connection.
type ReportedState struct {
	DeploymentID      string
	State             workflow.DeploymentState
	Result            *workflow.Result
	InstalledUpdateID *workflow.UpdateID
}

// Component is one enumerated hardware component a reference step's selector
// may match against.
type Component struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// DemoManager is a filesystem-backed, in-memory Manager: handlers are
// registered by name, file downloads are satisfied from a local content
// directory keyed by file name, and components are matched against a static
// enumerated list by simple attribute equality. It is not a production
// extension loader — see SPEC_FULL.md §6.
type DemoManager struct {
	mu sync.Mutex

	handlers    map[string]handler.Handler
	contentDir  string
	components  []Component
	reports     []ReportedState
	reportsSeen chan ReportedState
}

// NewDemoManager constructs a DemoManager rooted at contentDir for detached
// manifest / file downloads. contentDir may be empty if the demo deployment
// carries no reference steps.
func NewDemoManager(contentDir string) *DemoManager {
	return &DemoManager{
		handlers:   make(map[string]handler.Handler),
		contentDir: contentDir,
	}
}

// Register adds a handler under updateType, e.g. "apt:1" or "steps:1".
func (m *DemoManager) Register(updateType string, h handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[updateType] = h
}

// SetComponents configures the static enumerated component list used by
// SelectComponents. Passing nil disables the enumerator entirely, matching
// the "no enumerator registered" case in §4.3.
func (m *DemoManager) SetComponents(components []Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = components
}

// Subscribe returns a channel that receives a copy of each report as it
// arrives, letting a test drive an asynchronous handler and synchronize on
// its progress without polling Reports() in a loop. The channel buffers 16
// reports; a report that arrives while the buffer is full is not sent on it.
func (m *DemoManager) Subscribe() <-chan ReportedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ReportedState, 16)
	m.reportsSeen = ch
	return ch
}

// Reports returns the reports captured so far, in order.
func (m *DemoManager) Reports() []ReportedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReportedState, len(m.reports))
	copy(out, m.reports)
	return out
}

func (m *DemoManager) LoadContentHandler(ctx context.Context, updateType string) (handler.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[updateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, updateType)
	}
	return h, nil
}

func (m *DemoManager) DownloadFile(ctx context.Context, file workflow.FileEntity, h *workflow.Handle, opts DownloadOptions) (workflow.Result, error) {
	if m.contentDir == "" {
		return workflow.Result{}, fmt.Errorf("%w: %s (no content dir configured)", ErrNoContentForFile, file.Name)
	}

	src := filepath.Join(m.contentDir, file.Name)
	data, err := os.ReadFile(src)
	if err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure}, fmt.Errorf("%w: %s: %v", ErrNoContentForFile, file.Name, err)
	}

	dst := filepath.Join(h.SandboxPath(), file.Name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure}, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return workflow.Result{Code: handler.ResultGenericFailure}, err
	}

	return workflow.Result{Code: handler.ResultDownloadSuccess}, nil
}

func (m *DemoManager) SelectComponents(ctx context.Context, selector workflow.Compatibility) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Component
	for _, c := range m.components {
		if componentMatches(c, selector) {
			matched = append(matched, c)
		}
	}
	return json.Marshal(matched)
}

func componentMatches(c Component, selector workflow.Compatibility) bool {
	for k, v := range selector {
		want, ok := v.(string)
		if !ok {
			continue
		}
		if c.Attributes[k] != want {
			return false
		}
	}
	return true
}

func (m *DemoManager) ReportStateAndResult(ctx context.Context, h *workflow.Handle, state workflow.DeploymentState, result *workflow.Result, installedUpdateID *workflow.UpdateID) bool {
	m.mu.Lock()
	m.reports = append(m.reports, ReportedState{
		DeploymentID:      h.DeploymentID,
		State:             state,
		Result:            result,
		InstalledUpdateID: installedUpdateID,
	})
	m.mu.Unlock()

	logging.Debug("demo report: deployment=%s state=%s", h.DeploymentID, state)

	if m.reportsSeen != nil {
		select {
		case m.reportsSeen <- ReportedState{DeploymentID: h.DeploymentID, State: state, Result: result, InstalledUpdateID: installedUpdateID}:
		default:
		}
	}
	return true
}

func (m *DemoManager) HasComponentEnumerator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.components != nil
}
