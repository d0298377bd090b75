package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/remote"
	"github.com/basket/go-tracker/internal/remote/remotetest"
	"github.com/basket/go-tracker/internal/session"
	"github.com/basket/go-tracker/internal/store"
)

type fakeAuth struct{ ok atomic.Bool }

func (f *fakeAuth) IsAuthenticated() bool { return f.ok.Load() }

type harness struct {
	backend *remotetest.Backend
	bus     *bus.Bus
	stores  *store.Stores
	auth    *fakeAuth
	orch    *Orchestrator
}

var (
	chainP1  = model.Chain{ProjectID: "p1"}
	chainP2  = model.Chain{ProjectID: "p2"}
	chainS1  = model.Chain{ProjectID: "p1", EpicID: "e1", StoryID: "s1"}
	chainE2  = model.Chain{ProjectID: "p1", EpicID: "e2"}
	epicP1   = model.EpicKey{ProjectID: "p1"}
	epicP2   = model.EpicKey{ProjectID: "p2"}
	storyE1  = model.StoryKey{ProjectID: "p1", EpicID: "e1"}
	storyE2  = model.StoryKey{ProjectID: "p1", EpicID: "e2"}
	taskS1   = model.TaskKey{ProjectID: "p1", EpicID: "e1", StoryID: "s1"}
	rootKey  = model.RootKey{}
	loggedIn = true
)

func newHarness(t *testing.T, authenticated bool) *harness {
	t.Helper()
	backend := remotetest.NewBackend()
	backend.ProjectRes.SetList(rootKey, model.Project{ID: "p1", Title: "One"}, model.Project{ID: "p2", Title: "Two"})
	backend.EpicRes.SetList(epicP1,
		model.Epic{ID: "e1", ProjectID: "p1", Title: "E1"},
		model.Epic{ID: "e2", ProjectID: "p1", Title: "E2"},
		model.Epic{ID: "e3", ProjectID: "p1", Title: "E3"})
	backend.EpicRes.SetList(epicP2, model.Epic{ID: "e7", ProjectID: "p2", Title: "E7"})
	backend.StoryRes.SetList(storyE1, model.Story{ID: "s1", EpicID: "e1", Title: "S1"})
	backend.StoryRes.SetList(storyE2, model.Story{ID: "s5", EpicID: "e2", Title: "S5"})
	backend.TaskRes.SetList(taskS1, model.Task{ID: "t1", StoryID: "s1", Title: "T1"})

	b := bus.New()
	stores := store.NewStores(backend, b, store.Options{})
	t.Cleanup(stores.Close)
	auth := &fakeAuth{}
	auth.ok.Store(authenticated)
	return &harness{
		backend: backend,
		bus:     b,
		stores:  stores,
		auth:    auth,
		orch:    New(stores, auth, b, Options{}),
	}
}

func TestNotAuthenticated_NoLoadsAndAllCleared(t *testing.T) {
	h := newHarness(t, loggedIn)
	require.NoError(t, h.orch.Navigate(context.Background(), chainS1))
	require.Equal(t, map[string]int{"project": 2, "epic": 3, "story": 1, "task": 1}, h.stores.Sizes())

	h.auth.ok.Store(false)
	require.NoError(t, h.orch.Reconcile(context.Background()))
	assert.Equal(t, map[string]int{"project": 0, "epic": 0, "story": 0, "task": 0}, h.stores.Sizes())
	assert.Equal(t, 1, h.backend.ProjectRes.TotalListCalls())
}

func TestNavigate_LoadsOnlyEligibleLevels(t *testing.T) {
	h := newHarness(t, loggedIn)
	require.NoError(t, h.orch.Navigate(context.Background(), chainP1))

	assert.Equal(t, 2, h.stores.Projects.Len())
	assert.Equal(t, 3, h.stores.Epics.Len())
	assert.Equal(t, 0, h.backend.StoryRes.TotalListCalls())
	assert.Equal(t, 0, h.backend.TaskRes.TotalListCalls())
	assert.Equal(t, chainP1, h.orch.Chain())
}

func TestNavigate_UnchangedKeysIssueNoCalls(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	require.NoError(t, h.orch.Navigate(ctx, chainS1))
	require.NoError(t, h.orch.Navigate(ctx, chainS1))
	require.NoError(t, h.orch.Reconcile(ctx))

	assert.Equal(t, 1, h.backend.ProjectRes.ListCalls(rootKey))
	assert.Equal(t, 1, h.backend.EpicRes.ListCalls(epicP1))
	assert.Equal(t, 1, h.backend.StoryRes.ListCalls(storyE1))
	assert.Equal(t, 1, h.backend.TaskRes.ListCalls(taskS1))
}

func TestNavigate_ProjectChangeClearsDescendantsBeforeLoading(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	require.NoError(t, h.orch.Navigate(ctx, chainS1))
	require.Equal(t, 3, h.stores.Epics.Len())

	release := h.backend.EpicRes.Hold(epicP2)
	done := make(chan error, 1)
	go func() { done <- h.orch.Navigate(ctx, chainP2) }()
	require.Eventually(t, func() bool { return h.backend.EpicRes.ListCalls(epicP2) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, h.stores.Epics.Len())
	assert.Equal(t, 0, h.stores.Stories.Len())
	assert.Equal(t, 0, h.stores.Tasks.Len())
	assert.Equal(t, 2, h.stores.Projects.Len())

	release()
	require.NoError(t, <-done)
	items := h.stores.Epics.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "e7", items[0].ID)
	assert.Equal(t, 1, h.backend.ProjectRes.ListCalls(rootKey))
}

func TestNavigate_EpicChangeClearsDeeperLevelsOnly(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	require.NoError(t, h.orch.Navigate(ctx, chainS1))

	release := h.backend.StoryRes.Hold(storyE2)
	done := make(chan error, 1)
	go func() { done <- h.orch.Navigate(ctx, chainE2) }()
	require.Eventually(t, func() bool { return h.backend.StoryRes.ListCalls(storyE2) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, h.stores.Stories.Len())
	assert.Equal(t, 0, h.stores.Tasks.Len())
	assert.Equal(t, 3, h.stores.Epics.Len())

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.stores.Stories.Len())
	assert.Equal(t, 1, h.backend.EpicRes.ListCalls(epicP1))
	_, scoped := h.stores.Tasks.Scope()
	assert.False(t, scoped)
}

func TestStaleResponseAfterRenavigation(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()

	release := h.backend.EpicRes.Hold(epicP1)
	first := make(chan error, 1)
	go func() { first <- h.orch.Navigate(ctx, chainP1) }()
	require.Eventually(t, func() bool { return h.backend.EpicRes.ListCalls(epicP1) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.orch.Navigate(ctx, chainP2))
	release()
	require.NoError(t, <-first)

	items := h.stores.Epics.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "e7", items[0].ID)
}

// stallFirstAuth blocks the first IsAuthenticated call until gate is closed.
type stallFirstAuth struct {
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (a *stallFirstAuth) IsAuthenticated() bool {
	if a.calls.Add(1) == 1 {
		close(a.entered)
		<-a.gate
	}
	return true
}

func TestReplacedNavigationDoesNotRescopeStores(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	auth := &stallFirstAuth{entered: make(chan struct{}), gate: make(chan struct{})}
	orch := New(h.stores, auth, h.bus, Options{})

	first := make(chan error, 1)
	go func() { first <- orch.Navigate(ctx, chainP1) }()
	<-auth.entered

	require.NoError(t, orch.Navigate(ctx, chainP2))
	close(auth.gate)
	require.NoError(t, <-first)

	assert.Equal(t, chainP2, orch.Chain())
	scope, ok := h.stores.Epics.Scope()
	require.True(t, ok)
	assert.Equal(t, epicP2, scope)
	assert.Equal(t, []string{"e7"}, epicIDs(h.stores.Epics.Items()))
	assert.Equal(t, 0, h.backend.EpicRes.ListCalls(epicP1))
}

func TestConcurrentNavigationsSettleOnActiveChain(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		chain := chainP1
		if i%2 == 1 {
			chain = chainP2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.Navigate(ctx, chain))
		}()
	}
	wg.Wait()

	want, _ := h.orch.Chain().EpicKey()
	scope, ok := h.stores.Epics.Scope()
	require.True(t, ok)
	assert.Equal(t, want, scope)
	assert.Equal(t, store.StatusReady, h.stores.Epics.Status())
}

func epicIDs(items []model.Epic) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.ID)
	}
	return out
}

func TestLoadFailureClearsDownstream(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	require.NoError(t, h.orch.Navigate(ctx, chainS1))
	require.Equal(t, 1, h.stores.Tasks.Len())

	// Reload from scratch with the story level rejecting the session.
	h.stores.ClearAll()
	h.backend.StoryRes.FailList(storyE1, &remote.Error{Kind: remote.KindUnauthorized, Status: 401})

	err := h.orch.Reconcile(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsUnauthorized(err))
	assert.Equal(t, 0, h.stores.Stories.Len())
	assert.Equal(t, store.StatusFailed, h.stores.Stories.Status())
	assert.Equal(t, 0, h.stores.Tasks.Len())
	assert.Equal(t, 3, h.stores.Epics.Len())
}

func TestRefresh_ReloadsEveryEligibleLevel(t *testing.T) {
	h := newHarness(t, loggedIn)
	ctx := context.Background()
	require.NoError(t, h.orch.Navigate(ctx, chainS1))
	h.backend.TaskRes.SetList(taskS1, model.Task{ID: "t1"}, model.Task{ID: "t2"})

	require.NoError(t, h.orch.Refresh(ctx))
	assert.Equal(t, 2, h.backend.ProjectRes.ListCalls(rootKey))
	assert.Equal(t, 2, h.backend.TaskRes.ListCalls(taskS1))
	assert.Equal(t, 2, h.stores.Tasks.Len())
}

func TestRun_ReconcilesOnSessionChanges(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.mu.Lock()
	h.orch.chain = chainP1
	h.orch.mu.Unlock()

	before := h.bus.SubscriberCount()
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == before+1 }, time.Second, time.Millisecond)

	h.auth.ok.Store(true)
	h.bus.Publish(bus.TopicSessionStateChanged, bus.SessionStateChangedEvent{OldState: "anonymous", NewState: "authenticated"})
	require.Eventually(t, func() bool { return h.stores.Epics.Len() == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, before, h.bus.SubscriberCount())
}

func TestVerifyWithoutUserLeavesEverythingEmpty(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.ProjectRes.SetList(rootKey, model.Project{ID: "p1"})
	b := bus.New()
	stores := store.NewStores(backend, b, store.Options{})
	defer stores.Close()

	sess := session.New(noSessionAuth{}, b, session.Options{})
	orch := New(stores, sess, b, Options{})

	state, err := sess.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, session.Anonymous, state)

	require.NoError(t, orch.Navigate(context.Background(), chainS1))
	assert.Equal(t, map[string]int{"project": 0, "epic": 0, "story": 0, "task": 0}, stores.Sizes())
	assert.Equal(t, 0, backend.ProjectRes.TotalListCalls())
}

type noSessionAuth struct{}

func (noSessionAuth) Verify(context.Context) (model.User, bool, error) { return model.User{}, false, nil }
func (noSessionAuth) Login(context.Context, model.Credentials) (model.User, error) {
	return model.User{}, nil
}
func (noSessionAuth) Register(context.Context, model.Credentials) (model.User, error) {
	return model.User{}, nil
}
func (noSessionAuth) Logout(context.Context) error { return nil }
func (noSessionAuth) ClearCredentials() {}
