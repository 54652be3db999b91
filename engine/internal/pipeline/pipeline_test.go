package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

type funcJob struct {
	name      string
	shouldRun func(*Context) bool
	execute   func(context.Context, *Context) Outcome
	calls     int
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) ShouldRun(pc *Context) bool {
	if j.shouldRun == nil {
		return true
	}
	return j.shouldRun(pc)
}

func (j *funcJob) Execute(ctx context.Context, pc *Context) Outcome {
	j.calls++
	return j.execute(ctx, pc)
}

func createNode(name string) func(context.Context, *Context) Outcome {
	return func(ctx context.Context, pc *Context) Outcome {
		n := &models.Node{ID: models.NewID(), TenantID: pc.TenantID, CanvasID: "canvas-1", Name: name, Type: models.NodeTypeDoc}
		if err := pc.Store.CreateNode(ctx, n); err != nil {
			return Fail(err)
		}
		pc.Nodes = append(pc.Nodes, n)
		return Complete("created "+name, map[string]any{"node_id": n.ID})
	}
}

type recordingObserver struct {
	jobs []string
}

func (o *recordingObserver) ObserveJob(_, job string, status Status, _ time.Duration) {
	o.jobs = append(o.jobs, job+":"+string(status))
}

func newRun(t *testing.T) (*repository.MemoryStore, *Context) {
	t.Helper()
	store := repository.NewMemoryStore()
	event := &models.EventRecord{
		ID: models.NewID(), TenantID: "tenant-1", ActorID: "user-1",
		SourceType: models.SourceZoom, EventType: "meeting.ended", Status: models.EventPending,
	}
	require.NoError(t, store.CreateEvent(context.Background(), event))
	return store, NewContext(store, event, logging.Discard())
}

func TestRunContinuesAfterFailureAndPanic(t *testing.T) {
	store, pc := newRun(t)

	first := &funcJob{name: "first", execute: createNode("first")}
	failing := &funcJob{name: "failing", execute: func(ctx context.Context, pc *Context) Outcome {
		createNode("rolled back")(ctx, pc)
		return Failf("upstream returned %d", 502)
	}}
	panicking := &funcJob{name: "panicking", execute: func(context.Context, *Context) Outcome {
		var m map[string]int
		m["boom"]++
		return Complete("unreachable", nil)
	}}
	dependent := &funcJob{
		name: "dependent",
		shouldRun: func(pc *Context) bool {
			o, ok := pc.Result("failing")
			return ok && o.Status != StatusFailed
		},
		execute: createNode("never"),
	}
	last := &funcJob{name: "last", execute: createNode("last")}

	obs := &recordingObserver{}
	p := New("test", first, failing, panicking, dependent, last).WithObserver(obs)

	summary, err := p.Run(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, models.EventCompleted, summary.Status)
	assert.Equal(t, 1, last.calls)
	assert.Equal(t, 0, dependent.calls)
	assert.Equal(t, []string{"first:completed", "failing:failed", "panicking:failed", "dependent:skipped", "last:completed"}, obs.jobs)

	run, ok := summary.Job("panicking")
	require.True(t, ok)
	assert.Contains(t, run.Error, "panic in job panicking")

	nodes, err := store.ListNodes(context.Background(), "tenant-1", "canvas-1")
	require.NoError(t, err)
	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"first", "last"}, names)
	assert.Equal(t, 2, summary.NodesCreated)

	saved, err := store.GetEvent(context.Background(), pc.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventCompleted, saved.Status)
	assert.Len(t, saved.CreatedNodeIDs, 2)
	assert.Equal(t, "failed", saved.Results["failing"].Status)
	assert.Equal(t, "upstream returned 502", saved.Results["failing"].Message)
	assert.Equal(t, "skipped", saved.Results["dependent"].Status)
	assert.Equal(t, "condition not met", saved.Results["dependent"].Message)
}

func TestRunStopsOnUnavailableDependency(t *testing.T) {
	_, pc := newRun(t)

	down := &funcJob{name: "down", execute: func(context.Context, *Context) Outcome {
		return Fail(fmt.Errorf("insert node: %w", repository.ErrUnavailable))
	}}
	after := &funcJob{name: "after", execute: createNode("after")}

	summary, err := New("test", down, after).Run(context.Background(), pc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrUnavailable))
	assert.Equal(t, 0, after.calls)
	assert.Equal(t, models.EventFailed, summary.Status)
	assert.Equal(t, models.EventFailed, pc.Event.Status)
	assert.Contains(t, pc.Event.Error, "store unavailable")
}

func TestRunRejectsNonPendingEvent(t *testing.T) {
	_, pc := newRun(t)
	pc.Event.Status = models.EventCompleted

	_, err := New("test").Run(context.Background(), pc)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestIsFatal(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsFatal(ctx, nil))
	assert.False(t, IsFatal(ctx, errors.New("bad request")))
	assert.True(t, IsFatal(ctx, ErrUnavailable))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, IsFatal(cancelled, errors.New("anything")))
}

func TestContextWorkItems(t *testing.T) {
	pc := &Context{}
	pc.AddWorkItem(&models.WorkItem{ID: "a", Title: "one"})
	pc.AddWorkItem(&models.WorkItem{ID: "b"})
	pc.AddWorkItem(&models.WorkItem{ID: "a", Title: "two"})
	assert.Equal(t, []string{"a", "b"}, pc.WorkItemIDs())
	assert.Equal(t, "two", pc.WorkItems[0].Title)
}
