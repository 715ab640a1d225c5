package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// MemoryStore is an in-process Repository. The scheduler uses one as the
// transient table for ephemeral executions; it also backs local development
// when no database is configured. Nothing in it survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	executions map[string]*memExecution
	workflows  map[string][]*models.Workflow
	catalog    map[string]models.CatalogEntry
	chats      map[string][]models.ChatMessage
	now        func() time.Time
}

type memExecution struct {
	seq  int64
	exec *models.Execution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*memExecution),
		workflows:  make(map[string][]*models.Workflow),
		catalog:    make(map[string]models.CatalogEntry),
		chats:      make(map[string][]models.ChatMessage),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// CreateExecution inserts a PROCESSING record, keeping a caller-supplied
// CreatedAt.
func (m *MemoryStore) CreateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ExecutionID]; exists {
		return ErrExists
	}
	m.seq++
	now := exec.CreatedAt
	if now.IsZero() {
		now = m.now()
	}
	exec.Status = models.ExecutionProcessing
	exec.CreatedAt, exec.UpdatedAt = now, now
	m.executions[exec.ExecutionID] = &memExecution{seq: m.seq, exec: exec.Clone()}
	return nil
}

// FinishExecution performs the conditional terminal write.
func (m *MemoryStore) FinishExecution(_ context.Context, id string, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.exec.Status.Terminal() {
		return ErrTerminal
	}
	rec.exec.Status = out.Status
	rec.exec.RawResult = out.RawResult
	rec.exec.ResultText = out.ResultText
	rec.exec.ErrorMessage = out.ErrorMessage
	rec.exec.UpdatedAt = m.now()
	return nil
}

// GetExecution retrieves an execution by its ID.
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.exec.Clone(), nil
}

// ListExecutions returns executions most recently created first.
func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*models.Execution, error) {
	m.mu.RLock()
	recs := make([]*memExecution, 0, len(m.executions))
	for _, rec := range m.executions {
		if filter.WorkflowID != nil && (rec.exec.WorkflowID == nil || *rec.exec.WorkflowID != *filter.WorkflowID) {
			continue
		}
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}

	out := make([]*models.Execution, 0, len(recs))
	m.mu.RLock()
	for _, rec := range recs {
		out = append(out, rec.exec.Clone())
	}
	m.mu.RUnlock()
	return out, nil
}

// FailProcessing marks every PROCESSING record as ERROR.
func (m *MemoryStore) FailProcessing(_ context.Context, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.executions {
		if rec.exec.Status == models.ExecutionProcessing {
			rec.exec.Status = models.ExecutionError
			rec.exec.ErrorMessage = message
			rec.exec.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

// CreateWorkflowVersion stores wf as the next version of its workflow.
func (m *MemoryStore) CreateWorkflowVersion(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.workflows[wf.WorkflowID]
	for _, v := range versions {
		v.IsLatest = false
	}
	now := m.now()
	wf.Version = len(versions) + 1
	wf.IsLatest = true
	if wf.Status == "" {
		wf.Status = models.WorkflowPending
	}
	wf.CreatedAt, wf.UpdatedAt = now, now

	cp := *wf
	m.workflows[wf.WorkflowID] = append(versions, &cp)
	return nil
}

// GetWorkflow returns one version; version 0 means latest.
func (m *MemoryStore) GetWorkflow(_ context.Context, workflowID string, version int) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.workflows[workflowID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version <= 0 {
		version = len(versions)
	}
	if version > len(versions) {
		return nil, ErrNotFound
	}
	cp := *versions[version-1]
	return &cp, nil
}

// ListWorkflows returns the latest version of each workflow, newest first.
func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	m.mu.RLock()
	var out []*models.Workflow
	for _, versions := range m.workflows {
		latest := *versions[len(versions)-1]
		if filter.ChatID != "" && latest.ChatID != filter.ChatID {
			continue
		}
		out = append(out, &latest)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateWorkflowStatus changes the review status of one version.
func (m *MemoryStore) UpdateWorkflowStatus(_ context.Context, workflowID string, version int, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.workflows[workflowID]
	if version <= 0 || version > len(versions) {
		return ErrNotFound
	}
	versions[version-1].Status = status
	versions[version-1].UpdatedAt = m.now()
	return nil
}

// PutCatalogEntry registers a managed-service tool instance.
func (m *MemoryStore) PutCatalogEntry(e models.CatalogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.UpdatedAt = m.now()
	m.catalog[e.Name] = e
}

// ListCatalogEntries returns active entries sorted by name.
func (m *MemoryStore) ListCatalogEntries(_ context.Context, service string) ([]models.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.CatalogEntry
	for _, e := range m.catalog {
		if !e.Active || (service != "" && e.Service != service) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AppendMessage records a chat turn.
func (m *MemoryStore) AppendMessage(msg models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.chats[msg.ChatID] = append(m.chats[msg.ChatID], msg)
}

// RecentMessages returns up to limit messages of a chat, oldest first.
func (m *MemoryStore) RecentMessages(_ context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.chats[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.ChatMessage(nil), msgs...), nil
}
