package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/orchestrator"
	"github.com/basket/go-tracker/internal/remote"
	"github.com/basket/go-tracker/internal/session"
	"github.com/basket/go-tracker/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(db, Options{}).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = db.Close()
	})
	return ts
}

func newTestClient(t *testing.T, ts *httptest.Server) *remote.Client {
	t.Helper()
	c, err := remote.New(remote.Options{BaseURL: ts.URL + DefaultBasePath, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

var alice = model.Credentials{Username: "alice", Email: "alice@example.com", Password: "secret-pass"}

func TestServer_RequiresSession(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/projects")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["message"])
}

func TestServer_VerifyWithoutSession(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/verify")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"no session"}`, string(raw))

	_, ok, err := newTestClient(t, ts).Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServer_RegisterLoginVerifyLogout(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts)

	user, err := c.Register(ctx, alice)
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, c.HasCredentials())

	got, ok, err := c.Verify(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)

	require.NoError(t, c.Logout(ctx))
	_, ok, err = c.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh := newTestClient(t, ts)
	again, err := fresh.Login(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestServer_AuthValidation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts)

	_, err := c.Register(ctx, model.Credentials{Email: "", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, remote.KindBadRequest, remote.KindOf(err))
	assert.Equal(t, []string{"email is required", "password must be at least 6 characters"}, remote.Messages(err))

	_, err = c.Register(ctx, alice)
	require.NoError(t, err)
	_, err = newTestClient(t, ts).Register(ctx, alice)
	assert.Equal(t, []string{"email already in use"}, remote.Messages(err))

	_, err = newTestClient(t, ts).Login(ctx, model.Credentials{Email: alice.Email, Password: "wrong-pass"})
	assert.Equal(t, []string{"invalid email or password"}, remote.Messages(err))
}

func TestServer_PasswordsStoredAsBcrypt(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(db, Options{BcryptCost: bcrypt.MinCost}).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = db.Close()
	})
	ctx := context.Background()

	_, err = newTestClient(t, ts).Register(ctx, alice)
	require.NoError(t, err)

	rec, err := db.userByEmail(ctx, alice.Email)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.PasswordHash, "$2a$"), rec.PasswordHash)
	assert.NotContains(t, rec.PasswordHash, alice.Password)
	cost, err := bcrypt.Cost([]byte(rec.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)

	_, err = newTestClient(t, ts).Login(ctx, alice)
	require.NoError(t, err)
	_, err = newTestClient(t, ts).Login(ctx, model.Credentials{Email: alice.Email, Password: alice.Password + "x"})
	assert.Equal(t, []string{"invalid email or password"}, remote.Messages(err))

	long := model.Credentials{Email: "long@example.com", Password: strings.Repeat("p", 73)}
	_, err = newTestClient(t, ts).Register(ctx, long)
	assert.Equal(t, remote.KindBadRequest, remote.KindOf(err))
	assert.Equal(t, []string{"password must be at most 72 bytes"}, remote.Messages(err))
}

func TestServer_TitleRequired(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts)
	_, err := c.Register(ctx, alice)
	require.NoError(t, err)

	_, err = c.Projects().Create(ctx, model.RootKey{}, model.Project{Title: "  "})
	require.Error(t, err)
	assert.Equal(t, remote.KindBadRequest, remote.KindOf(err))
	assert.Equal(t, []string{"title is required"}, remote.Messages(err))
}

func TestServer_MissingAncestorIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts)
	_, err := c.Register(ctx, alice)
	require.NoError(t, err)

	_, err = c.Epics().List(ctx, model.EpicKey{ProjectID: "missing"})
	assert.True(t, remote.IsNotFound(err))

	p, err := c.Projects().Create(ctx, model.RootKey{}, model.Project{Title: "Launch"})
	require.NoError(t, err)
	_, err = c.Stories().List(ctx, model.StoryKey{ProjectID: p.ID, EpicID: "missing"})
	assert.True(t, remote.IsNotFound(err))

	err = c.Projects().Delete(ctx, model.RootKey{}, "missing")
	assert.True(t, remote.IsNotFound(err))
}

func TestServer_CRUDRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts)
	_, err := c.Register(ctx, alice)
	require.NoError(t, err)

	p, err := c.Projects().Create(ctx, model.RootKey{}, model.Project{Title: "Launch", Description: "Q3"})
	require.NoError(t, err)
	ek := model.EpicKey{ProjectID: p.ID}
	e, err := c.Epics().Create(ctx, ek, model.Epic{Title: "API"})
	require.NoError(t, err)
	sk := model.StoryKey{ProjectID: p.ID, EpicID: e.ID}
	s, err := c.Stories().Create(ctx, sk, model.Story{Title: "Auth"})
	require.NoError(t, err)
	tk := model.TaskKey{ProjectID: p.ID, EpicID: e.ID, StoryID: s.ID}
	task, err := c.Tasks().Create(ctx, tk, model.Task{Title: "Cookie"})
	require.NoError(t, err)
	assert.False(t, task.Completed)

	task.Completed = true
	updated, err := c.Tasks().Update(ctx, tk, task.ID, task)
	require.NoError(t, err)
	assert.True(t, updated.Completed)

	got, err := c.Tasks().Get(ctx, tk, task.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	renamed, err := c.Epics().Update(ctx, ek, e.ID, model.Epic{Title: "Public API"})
	require.NoError(t, err)
	assert.Equal(t, "Public API", renamed.Title)
	assert.Equal(t, p.ID, renamed.ProjectID)

	require.NoError(t, c.Tasks().Delete(ctx, tk, task.ID))
	tasks, err := c.Tasks().List(ctx, tk)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, c.Epics().Delete(ctx, ek, e.ID))
	_, err = c.Stories().List(ctx, sk)
	assert.True(t, remote.IsNotFound(err))
}

func TestServer_UsersAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	a := newTestClient(t, ts)
	_, err := a.Register(ctx, alice)
	require.NoError(t, err)
	p, err := a.Projects().Create(ctx, model.RootKey{}, model.Project{Title: "Private"})
	require.NoError(t, err)

	b := newTestClient(t, ts)
	_, err = b.Register(ctx, model.Credentials{Email: "bob@example.com", Password: "hunter22"})
	require.NoError(t, err)

	projects, err := b.Projects().List(ctx, model.RootKey{})
	require.NoError(t, err)
	assert.Empty(t, projects)
	_, err = b.Projects().Get(ctx, model.RootKey{}, p.ID)
	assert.True(t, remote.IsNotFound(err))
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(raw), "ok"))
}

// TestEndToEnd drives the full client stack against the dev backend: session
// sign-in, cascading loads through the orchestrator, store mutations and
// the logout sweep.
func TestEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	client := newTestClient(t, ts)
	b := bus.New()
	sess := session.New(client, b, session.Options{})
	defer sess.Close()
	stores := store.NewStores(client, b, store.Options{})
	defer stores.Close()
	orch := orchestrator.New(stores, sess, b, orchestrator.Options{})

	state, err := sess.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Anonymous, state)

	_, err = sess.Register(ctx, alice)
	require.NoError(t, err)
	require.True(t, sess.IsAuthenticated())

	root := model.RootKey{}
	p, err := stores.Projects.Create(ctx, root, model.Project{Title: "Launch"})
	require.NoError(t, err)
	e, err := stores.Epics.Create(ctx, model.EpicKey{ProjectID: p.ID}, model.Epic{Title: "API"})
	require.NoError(t, err)
	sk := model.StoryKey{ProjectID: p.ID, EpicID: e.ID}
	s, err := stores.Stories.Create(ctx, sk, model.Story{Title: "Auth"})
	require.NoError(t, err)
	tk := model.TaskKey{ProjectID: p.ID, EpicID: e.ID, StoryID: s.ID}
	_, err = stores.Tasks.Create(ctx, tk, model.Task{Title: "Cookie"})
	require.NoError(t, err)
	_, err = stores.Tasks.Create(ctx, tk, model.Task{Title: "Verify"})
	require.NoError(t, err)

	require.NoError(t, orch.Navigate(ctx, model.Chain{ProjectID: p.ID, EpicID: e.ID, StoryID: s.ID}))
	assert.Equal(t, map[string]int{
		store.EntityProject: 1,
		store.EntityEpic:    1,
		store.EntityStory:   1,
		store.EntityTask:    2,
	}, stores.Sizes())
	scope, ok := stores.Tasks.Scope()
	require.True(t, ok)
	assert.Equal(t, tk, scope)

	// Navigating to a story that does not exist empties the task level.
	err = orch.Navigate(ctx, model.Chain{ProjectID: p.ID, EpicID: e.ID, StoryID: "missing"})
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.Zero(t, stores.Tasks.Len())
	assert.Equal(t, 1, stores.Stories.Len())

	sess.Logout(ctx)
	assert.False(t, client.HasCredentials())
	for entity, n := range stores.Sizes() {
		assert.Zerof(t, n, "%s store not cleared", entity)
	}

	_, err = client.Projects().List(ctx, root)
	assert.True(t, remote.IsUnauthorized(err))

	_, err = sess.Login(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, orch.Navigate(ctx, model.Chain{ProjectID: p.ID}))
	assert.Equal(t, 1, stores.Projects.Len())
	assert.Equal(t, 1, stores.Epics.Len())
	assert.Zero(t, stores.Stories.Len())
}
