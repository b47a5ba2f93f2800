package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"fleetagent/internal/engine"
	"fleetagent/internal/extension"
	"fleetagent/internal/payload"
	"fleetagent/internal/sandbox"
	"fleetagent/internal/steps"
)

var simulateContentDir string

var simulateCmd = &cobra.Command{
	Use:   "simulate <payload.json>",
	Short: "Drive the engine against a desired-state payload using the in-memory demo manager",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simulateContentDir, "content-dir", "", "directory serving downloadable file content for the demo manager")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if _, err := payload.ParseAndValidate(raw); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}

	mgr := extension.NewDemoManager(simulateContentDir)
	orchestrator := steps.New(mgr)
	mgr.Register(steps.UpdateType, orchestrator)

	sb := sandbox.New(afero.NewMemMapFs())

	memStore := newMemoryStore()
	e := engine.New(engine.Config{DownloadsBase: "/sandbox"}, mgr, sb, memStore, nil)
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	if err := e.HandlePropertyUpdate(ctx, raw, false); err != nil {
		return fmt.Errorf("handle_property_update: %w", err)
	}

	for _, r := range mgr.Reports() {
		fmt.Printf("deployment=%s state=%s", r.DeploymentID, r.State)
		if r.Result != nil {
			fmt.Printf(" result_code=%d details=%q", r.Result.Code, r.Result.Details)
		}
		if r.InstalledUpdateID != nil {
			fmt.Printf(" installed_update_id=%s", r.InstalledUpdateID.String())
		}
		fmt.Println()
	}
	return nil
}

// memoryStore is a minimal engine.Store for simulate, which never runs
// across restarts and so needs no real persistence.
type memoryStore struct {
	lastCompleted string
	goalState     []byte
}

func newMemoryStore() *memoryStore { return &memoryStore{} }

func (m *memoryStore) LastCompletedWorkflowID(ctx context.Context) (string, error) {
	return m.lastCompleted, nil
}

func (m *memoryStore) SetLastCompletedWorkflowID(ctx context.Context, id string) error {
	m.lastCompleted = id
	return nil
}

func (m *memoryStore) SetLastGoalState(ctx context.Context, payload []byte) error {
	m.goalState = payload
	return nil
}
