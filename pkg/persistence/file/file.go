// Package file provides a single-process persistence implementation backed by a JSON snapshot.
//
// All state lives in memory behind one mutex and the full snapshot is rewritten atomically
// (temp file + rename) after every mutation, so a process restarted on the same directory
// resumes exactly where the previous one stopped.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/statemachine"
)

const snapshotFile = "flowkeeper.json"

type snapshot struct {
	Sequence  int64                                 `json:"sequence"`
	Workflows map[string]*models.WorkflowDefinition `json:"workflows"`
	Sessions  map[int64]*models.Session             `json:"sessions"`
	Attempts  map[int64]*models.Attempt             `json:"attempts"`
	Tasks     map[int64]*models.Task                `json:"tasks"`
	Rules     map[int64]*models.SLARule             `json:"rules"`
	Schedules map[string]*models.Schedule           `json:"schedules"`

	Notifications map[int64]*models.NotificationRecord `json:"notifications"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Workflows: make(map[string]*models.WorkflowDefinition),
		Sessions:  make(map[int64]*models.Session),
		Attempts:  make(map[int64]*models.Attempt),
		Tasks:     make(map[int64]*models.Task),
		Rules:     make(map[int64]*models.SLARule),
		Schedules: make(map[string]*models.Schedule),

		Notifications: make(map[int64]*models.NotificationRecord),
	}
}

func (s *snapshot) nextID() int64 {
	s.Sequence++

	return s.Sequence
}

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root  string
	mu    sync.Mutex
	state *snapshot

	workflowRepo *WorkflowRepository
	sessionRepo  *SessionRepository
	taskRepo     *TaskRepository
	slaRepo      *SLARepository
	scheduleRepo *ScheduleRepository
	outboxRepo   *NotificationRepository
}

// NewPersistence opens the store rooted at root, loading the previous snapshot if any.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fp := &Persistence{root: cleanRoot}

	if err := fp.load(); err != nil {
		return nil, err
	}

	fp.workflowRepo = &WorkflowRepository{store: fp}
	fp.sessionRepo = &SessionRepository{store: fp}
	fp.taskRepo = &TaskRepository{store: fp}
	fp.slaRepo = &SLARepository{store: fp}
	fp.scheduleRepo = &ScheduleRepository{store: fp}
	fp.outboxRepo = &NotificationRepository{store: fp}

	return fp, nil
}

func (fp *Persistence) path() string {
	return filepath.Join(fp.root, snapshotFile)
}

func (fp *Persistence) load() error {
	data, err := os.ReadFile(fp.path())
	if errors.Is(err, os.ErrNotExist) {
		fp.state = newSnapshot()

		return nil
	}

	if err != nil {
		return persistence.Unavailable(fmt.Errorf("failed to read snapshot: %w", err))
	}

	state := newSnapshot()
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	fp.state = state

	return nil
}

// commit writes the snapshot. On failure the in-memory state is rolled back to the last
// committed snapshot so memory and disk never diverge.
func (fp *Persistence) commit() error {
	data, err := json.Marshal(fp.state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(fp.root, snapshotFile+".*")
	if err != nil {
		return fp.rollback(err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fp.rollback(err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fp.rollback(err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fp.rollback(err)
	}

	if err := os.Rename(tmp.Name(), fp.path()); err != nil {
		_ = os.Remove(tmp.Name())

		return fp.rollback(err)
	}

	return nil
}

func (fp *Persistence) rollback(cause error) error {
	if err := fp.load(); err != nil {
		return persistence.Unavailable(errors.Join(cause, err))
	}

	return persistence.Unavailable(fmt.Errorf("failed to write snapshot: %w", cause))
}

// withGraph loads the graph of an attempt, applies fn and commits the result.
// Callers must hold fp.mu.
func (fp *Persistence) withGraph(attemptID int64, fn func(g *statemachine.Graph) error) (*statemachine.Graph, error) {
	attempt, exists := fp.state.Attempts[attemptID]
	if !exists {
		return nil, persistence.ErrAttemptNotFound
	}

	g := statemachine.NewGraph(attempt, fp.tasksOf(attemptID))

	if err := fn(g); err != nil {
		_ = fp.load()

		return nil, err
	}

	if len(g.Dirty()) == 0 && !g.AttemptChanged() {
		return g, nil
	}

	if err := fp.commit(); err != nil {
		return nil, err
	}

	return g, nil
}

// tasksOf returns the live task pointers of an attempt ordered by id, which is also
// their topological order.
func (fp *Persistence) tasksOf(attemptID int64) []*models.Task {
	tasks := make([]*models.Task, 0)

	for _, task := range fp.state.Tasks {
		if task.AttemptID == attemptID {
			tasks = append(tasks, task)
		}
	}

	sortTasks(tasks)

	return tasks
}

func result(g *statemachine.Graph, task *models.Task, finished bool) *persistence.TaskResult {
	res := &persistence.TaskResult{
		Attempt:         g.Attempt().Clone(),
		AttemptFinished: finished,
	}

	if task != nil {
		res.Task = task.Clone()
	}

	return res
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return persistence.Unavailable(os.ErrNotExist)
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) SessionRepository() persistence.SessionRepository {
	return fp.sessionRepo
}

func (fp *Persistence) TaskRepository() persistence.TaskRepository {
	return fp.taskRepo
}

func (fp *Persistence) SLARepository() persistence.SLARepository {
	return fp.slaRepo
}

func (fp *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return fp.scheduleRepo
}

func (fp *Persistence) NotificationRepository() persistence.NotificationRepository {
	return fp.outboxRepo
}
