package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/labforge/labforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestOperation() *model.Operation {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Operation{
		ID:         model.NewID(),
		RunID:      model.NewID(),
		WorkshopID: "ws-1",
		TemplateID: "tpl-1",
		Kind:       model.KindDeploy,
		Initiator:  "user-1",
		Status:     model.StatusPending,
		Variables:  map[string]any{"x": "1"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func makeTestWorkshop() *model.Workshop {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Workshop{
		ID:         model.NewID(),
		Name:       "test workshop",
		TemplateID: "tpl-1",
		Status:     model.WorkshopPending,
		Variables:  map[string]any{"x": "1"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func strPtr(s string) *string { return &s }

func TestCreateAndGetOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()

	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.ID != op.ID {
		t.Errorf("ID = %q, want %q", got.ID, op.ID)
	}
	if got.RunID != op.RunID {
		t.Errorf("RunID = %q, want %q", got.RunID, op.RunID)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Variables["x"] != "1" {
		t.Errorf("Variables = %v, want x=1", got.Variables)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOperation(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOperation error = %v, want ErrNotFound", err)
	}
}

func TestUpdateOperationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	running, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusRunning)})
	if err != nil {
		t.Fatalf("update to running: %v", err)
	}
	if running.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", running.Status)
	}
	if running.CompletedAt != nil {
		t.Error("CompletedAt set on non-terminal status")
	}

	addr := "terraform-state/workshops/ws-1/templates/tpl-1/state"
	done, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{
		Status:       strPtr(model.StatusSucceeded),
		StateAddress: &addr,
		Outputs:      map[string]any{"url": "https://example.com"},
		OutputDisplay: []model.OutputEntry{
			{Label: "Url", Value: "https://example.com"},
		},
	})
	if err != nil {
		t.Fatalf("update to succeeded: %v", err)
	}
	if done.Status != model.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", done.Status)
	}
	if done.StateAddress != addr {
		t.Errorf("StateAddress = %q, want %q", done.StateAddress, addr)
	}
	if done.Outputs["url"] != "https://example.com" {
		t.Errorf("Outputs = %v", done.Outputs)
	}
	if len(done.OutputDisplay) != 1 || done.OutputDisplay[0].Label != "Url" {
		t.Errorf("OutputDisplay = %v", done.OutputDisplay)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal status")
	}
}

func TestUpdateOperationTerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	if _, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusCancelled)}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusFailed)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("overwrite of cancelled: err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestUpdateOperationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOperation(context.Background(), "missing", OperationUpdate{Status: strPtr(model.StatusRunning)})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateOperationNonStatusFieldsOnTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusRunning)}); err != nil {
		t.Fatalf("running: %v", err)
	}
	if _, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusSucceeded)}); err != nil {
		t.Fatalf("succeeded: %v", err)
	}

	// Best-effort output recording after the terminal status write.
	got, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Outputs: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("outputs after terminal: %v", err)
	}
	if got.Outputs["k"] != "v" {
		t.Errorf("Outputs = %v", got.Outputs)
	}
	if got.Status != model.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
}

func TestListOperationsByWorkshopNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		op := makeTestOperation()
		op.CreatedAt = base.Add(time.Duration(i) * time.Second)
		op.UpdatedAt = op.CreatedAt
		ids = append(ids, op.ID)
		if err := s.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation[%d]: %v", i, err)
		}
	}

	ops, err := s.ListOperationsByWorkshop(ctx, "ws-1")
	if err != nil {
		t.Fatalf("ListOperationsByWorkshop: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("len = %d, want 3", len(ops))
	}
	if ops[0].ID != ids[2] || ops[2].ID != ids[0] {
		t.Errorf("not newest first: got %s,%s,%s", ops[0].ID, ops[1].ID, ops[2].ID)
	}
}

func TestAppendLogLinesSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	if err := s.AppendLogLines(ctx, op.ID, []string{"a", "b"}); err != nil {
		t.Fatalf("AppendLogLines: %v", err)
	}
	if err := s.AppendLogLines(ctx, op.ID, []string{"c"}); err != nil {
		t.Fatalf("AppendLogLines second: %v", err)
	}
	if err := s.AppendLogLines(ctx, op.ID, nil); err != nil {
		t.Fatalf("AppendLogLines empty: %v", err)
	}

	lines, err := s.GetLogLines(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	for i, want := range []string{"a", "b", "c"} {
		if lines[i].Seq != i || lines[i].Line != want {
			t.Errorf("line[%d] = (%d, %q), want (%d, %q)", i, lines[i].Seq, lines[i].Line, i, want)
		}
	}
}

func TestWorkshopCRUDAndExpand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := makeTestWorkshop()
	if err := s.CreateWorkshop(ctx, w); err != nil {
		t.Fatalf("CreateWorkshop: %v", err)
	}

	got, err := s.GetWorkshop(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorkshop: %v", err)
	}
	if got.Status != model.WorkshopPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	ids, err := s.ExpandTemplates(ctx, got)
	if err != nil {
		t.Fatalf("ExpandTemplates: %v", err)
	}
	if len(ids) != 1 || ids[0] != "tpl-1" {
		t.Errorf("ExpandTemplates = %v, want [tpl-1]", ids)
	}

	updated, err := s.UpdateWorkshopStatus(ctx, w.ID, model.WorkshopDeployed, map[string]any{"url": "x"})
	if err != nil {
		t.Fatalf("UpdateWorkshopStatus: %v", err)
	}
	if updated.Status != model.WorkshopDeployed {
		t.Errorf("Status = %q, want deployed", updated.Status)
	}
	if updated.Outputs["url"] != "x" {
		t.Errorf("Outputs = %v", updated.Outputs)
	}

	if _, err := s.UpdateWorkshopStatus(ctx, "missing", model.WorkshopFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing workshop: err = %v, want ErrNotFound", err)
	}
}

func TestExpandTemplatesGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &model.TemplateGroup{
		ID:          model.NewID(),
		Name:        "stack",
		TemplateIDs: []string{"t1", "t2", "t3"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateTemplateGroup(ctx, g); err != nil {
		t.Fatalf("CreateTemplateGroup: %v", err)
	}

	w := makeTestWorkshop()
	w.TemplateID = ""
	w.TemplateGroupID = g.ID
	if err := s.CreateWorkshop(ctx, w); err != nil {
		t.Fatalf("CreateWorkshop: %v", err)
	}

	ids, err := s.ExpandTemplates(ctx, w)
	if err != nil {
		t.Fatalf("ExpandTemplates: %v", err)
	}
	if len(ids) != 3 || ids[0] != "t1" || ids[2] != "t3" {
		t.Errorf("ExpandTemplates = %v, want [t1 t2 t3]", ids)
	}
}

func TestListExpiredWorkshops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := makeTestWorkshop()
	expired.Status = model.WorkshopDeployed
	expired.ExpiresAt = &past
	fresh := makeTestWorkshop()
	fresh.Status = model.WorkshopDeployed
	fresh.ExpiresAt = &future
	pending := makeTestWorkshop()
	pending.ExpiresAt = &past // still pending, nothing to destroy

	for _, w := range []*model.Workshop{expired, fresh, pending} {
		if err := s.CreateWorkshop(ctx, w); err != nil {
			t.Fatalf("CreateWorkshop: %v", err)
		}
	}

	got, err := s.ListExpiredWorkshops(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredWorkshops: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("ListExpiredWorkshops = %v, want only the expired deployed workshop", got)
	}
}

func TestTemplateCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &model.Template{
		ID:         model.NewID(),
		Name:       "vpc-base",
		Provider:   "AWS",
		BundlePath: "s3://bundles/vpc-base.zip",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Name != "vpc-base" || got.Provider != "AWS" || got.BundlePath != tpl.BundlePath {
		t.Errorf("GetTemplate = %+v", got)
	}

	if _, err := s.GetTemplate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTemplate(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetOperationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{model.StatusSucceeded, model.StatusSucceeded, model.StatusFailed} {
		op := makeTestOperation()
		if err := s.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation: %v", err)
		}
		if _, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: strPtr(model.StatusRunning)}); err != nil {
			t.Fatalf("running: %v", err)
		}
		if _, err := s.UpdateOperation(ctx, op.ID, OperationUpdate{Status: &status}); err != nil {
			t.Fatalf("terminal: %v", err)
		}
	}

	stats, err := s.GetOperationStats(ctx)
	if err != nil {
		t.Fatalf("GetOperationStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusSucceeded] != 2 {
		t.Errorf("succeeded = %d, want 2", stats.CountByStatus[model.StatusSucceeded])
	}
	if stats.CountByKind[model.KindDeploy] != 3 {
		t.Errorf("deploy = %d, want 3", stats.CountByKind[model.KindDeploy])
	}
}
