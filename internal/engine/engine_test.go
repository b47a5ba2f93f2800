package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetagent/internal/extension"
	"fleetagent/internal/handler"
	"fleetagent/internal/workflow"
)

// --- fakes ---

type fakeSandbox struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
}

func (f *fakeSandbox) Create(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, path)
	return nil
}

func (f *fakeSandbox) Destroy(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, path)
	return nil
}

func (f *fakeSandbox) Siblings(base, keep string) ([]string, error) { return nil, nil }

type fakeStore struct {
	mu            sync.Mutex
	lastCompleted string
	goalState     []byte
}

func (f *fakeStore) LastCompletedWorkflowID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCompleted, nil
}

func (f *fakeStore) SetLastCompletedWorkflowID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCompleted = id
	return nil
}

func (f *fakeStore) SetLastGoalState(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goalState = payload
	return nil
}

type fakeReport struct {
	state       workflow.DeploymentState
	result      *workflow.Result
	installedID *workflow.UpdateID
}

type fakeManager struct {
	mu       sync.Mutex
	handlers map[string]handler.Handler
	reports  []fakeReport
	notify   chan struct{}
}

func newFakeManager() *fakeManager {
	return &fakeManager{handlers: make(map[string]handler.Handler), notify: make(chan struct{}, 64)}
}

func (m *fakeManager) register(updateType string, h handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[updateType] = h
}

func (m *fakeManager) LoadContentHandler(ctx context.Context, updateType string) (handler.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[updateType]
	if !ok {
		return nil, fmt.Errorf("fakeManager: no handler for %s", updateType)
	}
	return h, nil
}

func (m *fakeManager) DownloadFile(ctx context.Context, file workflow.FileEntity, h *workflow.Handle, opts extension.DownloadOptions) (workflow.Result, error) {
	return workflow.Result{Code: handler.ResultDownloadSuccess}, nil
}

func (m *fakeManager) SelectComponents(ctx context.Context, selector workflow.Compatibility) (json.RawMessage, error) {
	return nil, nil
}

func (m *fakeManager) ReportStateAndResult(ctx context.Context, h *workflow.Handle, state workflow.DeploymentState, result *workflow.Result, installedUpdateID *workflow.UpdateID) bool {
	m.mu.Lock()
	m.reports = append(m.reports, fakeReport{state: state, result: result, installedID: installedUpdateID})
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *fakeManager) HasComponentEnumerator() bool { return false }

func (m *fakeManager) lastReport() (fakeReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return fakeReport{}, false
	}
	return m.reports[len(m.reports)-1], true
}

func (m *fakeManager) waitForReport(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		have := len(m.reports)
		m.mu.Unlock()
		if have >= n {
			return
		}
		select {
		case <-m.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d reports, have %d", n, have)
		}
	}
}

// fakeHandler is a leaf Handler registered directly under "steps:1" in these
// tests, bypassing internal/steps entirely so the engine's own dispatch
// logic is exercised in isolation (internal/steps has its own tests).
type fakeHandler struct {
	mu              sync.Mutex
	installed       bool
	installResult   workflow.Result
	applyResult     workflow.Result
	downloadAsync   bool
	cancelSignal    chan struct{}
	cancelCalls     int
	restoreCalls    int
	installCallsNum int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		installResult: workflow.Result{Code: handler.ResultInstallSuccess},
		applyResult:   workflow.Result{Code: handler.ResultApplySuccess},
		cancelSignal:  make(chan struct{}),
	}
}

func (f *fakeHandler) ContractVersion() handler.ContractVersion { return handler.ContractV1 }

func (f *fakeHandler) IsInstalled(ctx context.Context, h *workflow.Handle) (workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed {
		return workflow.Result{Code: handler.ResultInstalled}, nil
	}
	return workflow.Result{Code: handler.ResultNotInstalled}, nil
}

func (f *fakeHandler) Download(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	if !f.downloadAsync {
		return workflow.Result{Code: handler.ResultDownloadSuccess}, nil
	}
	go func() {
		<-f.cancelSignal
		if h.IsCancelRequested() {
			done(handler.CancelledResult(handler.BandGeneric, "cancelled during download"))
			return
		}
		done(workflow.Result{Code: handler.ResultDownloadSuccess})
	}()
	return workflow.Result{Code: handler.ResultDownloadInProgress}, nil
}

func (f *fakeHandler) Backup(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	return workflow.Result{Code: handler.ResultGenericSuccess}, nil
}

func (f *fakeHandler) installCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installCallsNum
}

func (f *fakeHandler) Install(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installCallsNum++
	// A leaf registered directly as the root's "steps:1" handler stands in
	// for the whole composite, so it takes on the composite's job of lifting
	// a reboot/restart code into the handle's own flags (normally
	// internal/steps.Orchestrator.Install's job, see operations.go).
	switch f.installResult.Code {
	case handler.ResultInstallRebootRequiredImmediate:
		h.RebootRequiredImmediate = true
	case handler.ResultInstallRebootRequiredDeferred:
		h.RebootRequiredDeferred = true
	case handler.ResultInstallRestartRequiredImmediate:
		h.RestartRequiredImmediate = true
	case handler.ResultInstallRestartRequiredDeferred:
		h.RestartRequiredDeferred = true
	}
	return f.installResult, nil
}

func (f *fakeHandler) Apply(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyResult, nil
}

func (f *fakeHandler) Restore(ctx context.Context, h *workflow.Handle, done handler.CompletionFunc) (workflow.Result, error) {
	f.mu.Lock()
	f.restoreCalls++
	f.mu.Unlock()
	return workflow.Result{Code: handler.ResultGenericSuccess}, nil
}

func (f *fakeHandler) Cancel(ctx context.Context, h *workflow.Handle) (workflow.Result, error) {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	close(f.cancelSignal)
	return workflow.Result{Code: handler.ResultCancelSuccess}, nil
}

// --- helpers ---

func newTestEngine(mgr *fakeManager, sb *fakeSandbox, st *fakeStore) *Engine {
	e := New(Config{DownloadsBase: "/downloads"}, mgr, sb, st, nil)
	e.Start()
	return e
}

func payloadFor(provider, name, version string, action int) []byte {
	raw := fmt.Sprintf(`{"updateId":{"provider":%q,"name":%q,"version":%q},"action":%d,"steps":[{"updateType":"leaf:1"}]}`,
		provider, name, version, action)
	return []byte(raw)
}

func forcedPayloadFor(provider, name, version string, action int) []byte {
	raw := fmt.Sprintf(`{"updateId":{"provider":%q,"name":%q,"version":%q},"action":%d,"forceUpdate":true,"steps":[{"updateType":"leaf:1"}]}`,
		provider, name, version, action)
	return []byte(raw)
}

// --- scenarios ---

func TestHappyPathInline(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	mgr.register("steps:1", fh)
	e := newTestEngine(mgr, &fakeSandbox{}, &fakeStore{})
	defer e.Stop()

	if err := e.HandlePropertyUpdate(context.Background(), payloadFor("contoso", "fw", "1", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	report, ok := mgr.lastReport()
	if !ok {
		t.Fatal("expected a report")
	}
	if report.state != workflow.StateIdle {
		t.Errorf("final state = %v, want Idle", report.state)
	}
	if report.installedID == nil || report.installedID.String() != "contoso.fw.1" {
		t.Errorf("installedID = %v", report.installedID)
	}

	snap := e.Snapshot()
	if snap.HasCurrent {
		t.Error("expected no current workflow after completion")
	}
	if snap.LastCompleted != "contoso.fw.1" {
		t.Errorf("LastCompleted = %q", snap.LastCompleted)
	}
}

func TestAlreadyInstalledSkipsDispatch(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.installed = true
	mgr.register("steps:1", fh)
	e := newTestEngine(mgr, &fakeSandbox{}, &fakeStore{})
	defer e.Stop()

	if err := e.HandlePropertyUpdate(context.Background(), payloadFor("contoso", "fw", "2", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	report, ok := mgr.lastReport()
	if !ok || report.state != workflow.StateIdle {
		t.Fatalf("expected an Idle report, got %+v ok=%v", report, ok)
	}
	if report.installedID == nil || report.installedID.String() != "contoso.fw.2" {
		t.Errorf("installedID = %v", report.installedID)
	}
}

func TestCancelMidDownload(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.downloadAsync = true
	mgr.register("steps:1", fh)
	e := newTestEngine(mgr, &fakeSandbox{}, &fakeStore{})
	defer e.Stop()

	ctx := context.Background()
	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "3", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	snap := e.Snapshot()
	if !snap.HasCurrent || snap.Step != workflow.StepDownload {
		t.Fatalf("expected download in flight, got %+v", snap)
	}

	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "3", 255), false); err != nil {
		t.Fatalf("cancel HandlePropertyUpdate: %v", err)
	}

	mgr.waitForReport(t, 2)
	report, _ := mgr.lastReport()
	if report.state != workflow.StateIdle {
		t.Errorf("final state = %v, want Idle", report.state)
	}
	if report.result == nil || !handler.IsCancelledResult(*report.result) {
		t.Errorf("expected a cancelled result, got %+v", report.result)
	}
	if fh.cancelCalls != 1 {
		t.Errorf("cancelCalls = %d, want 1", fh.cancelCalls)
	}
}

func TestReplacementMidFlight(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.downloadAsync = true
	mgr.register("steps:1", fh)
	e := newTestEngine(mgr, &fakeSandbox{}, &fakeStore{})
	defer e.Stop()

	ctx := context.Background()
	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "old", 1), false); err != nil {
		t.Fatalf("first HandlePropertyUpdate: %v", err)
	}

	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "new", 1), false); err != nil {
		t.Fatalf("replacement HandlePropertyUpdate: %v", err)
	}

	// classify's replacement path already calls the handler's Cancel for us
	// (invokeCancel), which closes fh.cancelSignal and wakes the stalled
	// download goroutine; that drives the pending replacement in once the
	// cancelled download's completion callback lands. Poll the reports
	// rather than the snapshot: the new deployment's own handler never
	// blocks on any remaining step (its Download goroutine finds
	// cancelSignal already closed), so it can run to completion before a snapshot taken right after this
	// call would observe it still in flight.
	if fh.cancelCalls != 1 {
		t.Fatalf("expected the in-flight download's handler to be cancelled, cancelCalls=%d", fh.cancelCalls)
	}

	deadline := time.After(2 * time.Second)
	for {
		if report, ok := mgr.lastReport(); ok && report.state == workflow.StateIdle &&
			report.installedID != nil && report.installedID.String() == "contoso.fw.new" {
			return
		}
		select {
		case <-mgr.notify:
		case <-deadline:
			report, ok := mgr.lastReport()
			t.Fatalf("replacement never completed as contoso.fw.new, last report=%+v ok=%v", report, ok)
		}
	}
}

func TestRetryWithGreaterTokenRestartsPipeline(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.downloadAsync = true
	mgr.register("steps:1", fh)
	e := newTestEngine(mgr, &fakeSandbox{}, &fakeStore{})
	defer e.Stop()

	ctx := context.Background()
	raw := func(retry string) []byte {
		return []byte(fmt.Sprintf(`{"updateId":{"provider":"contoso","name":"fw","version":"1"},"action":1,"retryTimestamp":%q,"steps":[{"updateType":"leaf:1"}]}`, retry))
	}

	if err := e.HandlePropertyUpdate(ctx, raw("a"), false); err != nil {
		t.Fatalf("first HandlePropertyUpdate: %v", err)
	}
	if err := e.HandlePropertyUpdate(ctx, raw("b"), false); err != nil {
		t.Fatalf("retry HandlePropertyUpdate: %v", err)
	}

	if fh.cancelCalls != 1 {
		t.Fatalf("expected the stalled download to be cancelled by the retry, cancelCalls=%d", fh.cancelCalls)
	}

	// The only way this deployment ever reaches Idle is through the
	// retry-driven ResetForReentry restart: nothing else ever closes
	// fh.cancelSignal to unblock the original stalled download.
	deadline := time.After(2 * time.Second)
	for {
		if report, ok := mgr.lastReport(); ok && report.state == workflow.StateIdle &&
			report.installedID != nil && report.installedID.String() == "contoso.fw.1" {
			return
		}
		select {
		case <-mgr.notify:
		case <-deadline:
			report, ok := mgr.lastReport()
			t.Fatalf("retry never completed, last report=%+v ok=%v", report, ok)
		}
	}
}

// TestDuplicateSuppressedAfterLastCompleted covers §4.1 classification step
// 5: a property update naming the last-completed deployment id arriving
// while a *different* deployment is mid-flight — e.g. a stale retained
// message replayed by a reconnecting transport — must be dropped rather
// than disturbing the in-flight one.
func TestDuplicateSuppressedAfterLastCompleted(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.downloadAsync = true
	mgr.register("steps:1", fh)
	st := &fakeStore{lastCompleted: "contoso.fw.old"}
	e := newTestEngine(mgr, &fakeSandbox{}, st)
	defer e.Stop()

	if err := e.HandleStartup(context.Background(), nil); err != nil {
		t.Fatalf("HandleStartup: %v", err)
	}

	ctx := context.Background()
	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "inflight", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	if err := e.HandlePropertyUpdate(ctx, payloadFor("contoso", "fw", "old", 1), false); err != nil {
		t.Fatalf("duplicate HandlePropertyUpdate: %v", err)
	}

	if fh.cancelCalls != 0 {
		t.Errorf("cancelCalls = %d, want 0 (the duplicate must never touch the in-flight handler)", fh.cancelCalls)
	}

	snap := e.Snapshot()
	if !snap.HasCurrent || snap.DeploymentID != "contoso.fw.inflight" {
		t.Errorf("expected the in-flight deployment undisturbed, got %+v", snap)
	}
}

// TestDuplicateSuppressedOnColdIdleResume covers the other half of §4.1
// classification step 5: HandleStartup re-drives the cached goal state while
// the engine is idle (e.g. after a reboot that follows a completed
// deployment). That cold-idle resume must be checked against
// lastCompletedID too, not just a duplicate arriving while a different
// deployment is mid-flight, or every reboot re-runs an already-finished
// deployment and emits a spurious Idle/installed-update-id report.
func TestDuplicateSuppressedOnColdIdleResume(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	mgr.register("steps:1", fh)
	st := &fakeStore{lastCompleted: "contoso.fw.1"}
	e := newTestEngine(mgr, &fakeSandbox{}, st)
	defer e.Stop()

	if err := e.HandleStartup(context.Background(), payloadFor("contoso", "fw", "1", 1)); err != nil {
		t.Fatalf("HandleStartup: %v", err)
	}

	if _, ok := mgr.lastReport(); ok {
		t.Error("expected no report: the already-completed deployment must not be re-run on resume")
	}
	snap := e.Snapshot()
	if snap.HasCurrent {
		t.Errorf("expected the engine to stay idle, got %+v", snap)
	}
	if fh.installCalls() != 0 {
		t.Errorf("installCalls = %d, want 0: the handler must never be dispatched for a duplicate resume", fh.installCalls())
	}
}

// TestForceUpdateBypassesColdIdleDuplicateSuppression covers spec.md's
// force-update flag (§4.1): a property update that sets ForceUpdate must
// re-drive a deployment even when its id matches lastCompletedID, overriding
// the suppression TestDuplicateSuppressedOnColdIdleResume exercises above.
func TestForceUpdateBypassesColdIdleDuplicateSuppression(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	mgr.register("steps:1", fh)
	st := &fakeStore{lastCompleted: "contoso.fw.1"}
	e := newTestEngine(mgr, &fakeSandbox{}, st)
	defer e.Stop()

	if err := e.HandleStartup(context.Background(), nil); err != nil {
		t.Fatalf("HandleStartup: %v", err)
	}

	if err := e.HandlePropertyUpdate(context.Background(), forcedPayloadFor("contoso", "fw", "1", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	mgr.waitForReport(t, 1)
	if fh.installCalls() == 0 {
		t.Error("expected ForceUpdate to re-drive the deployment despite matching lastCompletedID")
	}
}

func TestInstallRebootRequiredSuppressesIdleReport(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.installResult = workflow.Result{Code: handler.ResultInstallRebootRequiredImmediate}
	mgr.register("steps:1", fh)

	rebootCalled := make(chan struct{}, 1)
	e := New(Config{
		DownloadsBase: "/downloads",
		RebootFn: func(h *workflow.Handle) error {
			rebootCalled <- struct{}{}
			return nil
		},
	}, mgr, &fakeSandbox{}, &fakeStore{}, nil)
	e.Start()
	defer e.Stop()

	if err := e.HandlePropertyUpdate(context.Background(), payloadFor("contoso", "fw", "4", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	select {
	case <-rebootCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("reboot function was never invoked")
	}

	report, ok := mgr.lastReport()
	if !ok {
		t.Fatal("expected the Install-succeeded report to have been sent before the reboot")
	}
	if report.state == workflow.StateIdle {
		t.Error("expected the Idle report to be suppressed while a reboot is in progress, but Apply's Idle report went out")
	}
	if report.state != workflow.StateInstallSucceeded {
		t.Errorf("last report state = %v, want InstallSucceeded (Apply's own report never fires on the reboot path)", report.state)
	}

	snap := e.Snapshot()
	if snap.LastCompleted != "contoso.fw.4" {
		t.Errorf("expected last completed to be recorded before the device reboots, got %q", snap.LastCompleted)
	}
	if !snap.HasCurrent {
		t.Error("expected the handle to remain uncleaned (device is going down) rather than destroyed")
	}
}

func TestRebootInitiationFailureReportsIdleWithoutInstalledID(t *testing.T) {
	mgr := newFakeManager()
	fh := newFakeHandler()
	fh.installResult = workflow.Result{Code: handler.ResultInstallRebootRequiredImmediate}
	mgr.register("steps:1", fh)

	e := New(Config{
		DownloadsBase: "/downloads",
		RebootFn: func(h *workflow.Handle) error {
			return fmt.Errorf("reboot syscall failed")
		},
	}, mgr, &fakeSandbox{}, &fakeStore{}, nil)
	e.Start()
	defer e.Stop()

	if err := e.HandlePropertyUpdate(context.Background(), payloadFor("contoso", "fw", "5", 1), false); err != nil {
		t.Fatalf("HandlePropertyUpdate: %v", err)
	}

	mgr.waitForReport(t, 5)

	report, ok := mgr.lastReport()
	if !ok {
		t.Fatal("expected a final report")
	}
	if report.state != workflow.StateIdle {
		t.Errorf("last report state = %v, want Idle (cloud must see a terminal report even when reboot initiation fails)", report.state)
	}
	if report.installedID != nil {
		t.Errorf("installedID = %v, want nil: a failed reboot initiation means the install never took effect", report.installedID)
	}

	snap := e.Snapshot()
	if snap.HasCurrent {
		t.Error("expected the handle to be destroyed once the fallback Idle report went out")
	}
	if snap.LastCompleted != "contoso.fw.5" {
		t.Errorf("expected last completed to still be recorded, got %q", snap.LastCompleted)
	}
}

func TestIsApplicableRetry(t *testing.T) {
	cases := []struct {
		stored, new string
		want        bool
	}{
		{"", "", false},
		{"", "a", true},
		{"a", "", false},
		{"a", "b", true},
		{"b", "a", false},
		{"a", "a", false},
	}
	for _, c := range cases {
		if got := isApplicableRetry(c.stored, c.new); got != c.want {
			t.Errorf("isApplicableRetry(%q, %q) = %v, want %v", c.stored, c.new, got, c.want)
		}
	}
}
