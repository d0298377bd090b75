package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/go-tracker/internal/model"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tracker-v1-hierarchy-bcrypt"
)

var (
	// ErrNotFound means the entity, or one of its ancestors, does not exist
	// for the requesting user.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken is returned when registering an email twice.
	ErrEmailTaken = errors.New("email already in use")
)

// userRecord is a stored account.
type userRecord struct {
	model.User
	PasswordHash string // bcrypt
}

// Path holds the ancestor ids of an entity. Unused levels stay empty.
type Path struct {
	ProjectID string
	EpicID    string
	StoryID   string
}

// DB is the SQLite storage of the dev backend.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func OpenDB(path string) (*DB, error) {
	dsn := "file::memory:?_foreign_keys=on"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if path != ":memory:" {
		if err := d.configurePragmas(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := d.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (d *DB) initSchema(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS epics (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			completed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_epics_project ON epics(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_epic ON stories(epic_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_story ON tasks(story_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// --- users and sessions ---

func (d *DB) createUser(ctx context.Context, rec userRecord) (model.User, error) {
	rec.ID = uuid.NewString()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, ?);
	`, rec.ID, rec.Username, rec.Email, rec.PasswordHash)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return rec.User, nil
}

func (d *DB) userByEmail(ctx context.Context, email string) (userRecord, error) {
	var rec userRecord
	err := d.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash FROM users WHERE email = ?;
	`, email).Scan(&rec.ID, &rec.Username, &rec.Email, &rec.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("query user: %w", err)
	}
	return rec, nil
}

func (d *DB) createSession(ctx context.Context, userID string) (string, error) {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if _, err := d.db.ExecContext(ctx, `INSERT INTO sessions (token, user_id) VALUES (?, ?);`, token, userID); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return token, nil
}

func (d *DB) sessionUser(ctx context.Context, token string) (model.User, error) {
	var u model.User
	err := d.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email FROM sessions s JOIN users u ON u.id = s.user_id WHERE s.token = ?;
	`, token).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("query session: %w", err)
	}
	return u, nil
}

func (d *DB) deleteSession(ctx context.Context, token string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?;`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- ancestry ---

// checkPath verifies that every id in p exists, belongs to its parent and
// that the project belongs to userID.
func (d *DB) checkPath(ctx context.Context, userID string, p Path) error {
	var (
		query string
		args  []any
	)
	switch {
	case p.StoryID != "":
		query = `SELECT 1 FROM stories s
			JOIN epics e ON e.id = s.epic_id
			JOIN projects p ON p.id = e.project_id
			WHERE s.id = ? AND e.id = ? AND p.id = ? AND p.user_id = ?;`
		args = []any{p.StoryID, p.EpicID, p.ProjectID, userID}
	case p.EpicID != "":
		query = `SELECT 1 FROM epics e
			JOIN projects p ON p.id = e.project_id
			WHERE e.id = ? AND p.id = ? AND p.user_id = ?;`
		args = []any{p.EpicID, p.ProjectID, userID}
	case p.ProjectID != "":
		query = `SELECT 1 FROM projects WHERE id = ? AND user_id = ?;`
		args = []any{p.ProjectID, userID}
	default:
		return nil
	}
	var one int
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check path: %w", err)
	}
	return nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- projects ---

func (d *DB) listProjects(ctx context.Context, userID string) ([]model.Project, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, title, description FROM projects WHERE user_id = ? ORDER BY rowid;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	out := []model.Project{}
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) getProject(ctx context.Context, userID, id string) (model.Project, error) {
	var p model.Project
	err := d.db.QueryRowContext(ctx, `SELECT id, title, description FROM projects WHERE id = ? AND user_id = ?;`, id, userID).
		Scan(&p.ID, &p.Title, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (d *DB) createProject(ctx context.Context, userID string, p model.Project) (model.Project, error) {
	p.ID = uuid.NewString()
	if _, err := d.db.ExecContext(ctx, `INSERT INTO projects (id, user_id, title, description) VALUES (?, ?, ?, ?);`,
		p.ID, userID, p.Title, p.Description); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (d *DB) updateProject(ctx context.Context, userID, id string, patch fieldPatch) (model.Project, error) {
	cur, err := d.getProject(ctx, userID, id)
	if err != nil {
		return cur, err
	}
	setIfPresent(&cur.Title, patch.Title)
	setIfPresent(&cur.Description, patch.Description)
	_, err = d.db.ExecContext(ctx, `UPDATE projects SET title = ?, description = ? WHERE id = ?;`, cur.Title, cur.Description, id)
	return cur, err
}

func (d *DB) deleteProject(ctx context.Context, userID, id string) error {
	return affected(d.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ? AND user_id = ?;`, id, userID))
}

// --- epics ---

func (d *DB) listEpics(ctx context.Context, userID string, p Path) ([]model.Epic, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, project_id, title FROM epics WHERE project_id = ? ORDER BY rowid;`, p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()
	out := []model.Epic{}
	for rows.Next() {
		var e model.Epic
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Title); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) getEpic(ctx context.Context, userID string, p Path, id string) (model.Epic, error) {
	var e model.Epic
	if err := d.checkPath(ctx, userID, p); err != nil {
		return e, err
	}
	err := d.db.QueryRowContext(ctx, `SELECT id, project_id, title FROM epics WHERE id = ? AND project_id = ?;`, id, p.ProjectID).
		Scan(&e.ID, &e.ProjectID, &e.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

func (d *DB) createEpic(ctx context.Context, userID string, p Path, e model.Epic) (model.Epic, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return e, err
	}
	e.ID = uuid.NewString()
	e.ProjectID = p.ProjectID
	if _, err := d.db.ExecContext(ctx, `INSERT INTO epics (id, project_id, title) VALUES (?, ?, ?);`, e.ID, e.ProjectID, e.Title); err != nil {
		return e, fmt.Errorf("insert epic: %w", err)
	}
	return e, nil
}

func (d *DB) updateEpic(ctx context.Context, userID string, p Path, id string, patch fieldPatch) (model.Epic, error) {
	cur, err := d.getEpic(ctx, userID, p, id)
	if err != nil {
		return cur, err
	}
	setIfPresent(&cur.Title, patch.Title)
	_, err = d.db.ExecContext(ctx, `UPDATE epics SET title = ? WHERE id = ?;`, cur.Title, id)
	return cur, err
}

func (d *DB) deleteEpic(ctx context.Context, userID string, p Path, id string) error {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return err
	}
	return affected(d.db.ExecContext(ctx, `DELETE FROM epics WHERE id = ? AND project_id = ?;`, id, p.ProjectID))
}

// --- stories ---

func (d *DB) listStories(ctx context.Context, userID string, p Path) ([]model.Story, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, epic_id, title, description FROM stories WHERE epic_id = ? ORDER BY rowid;`, p.EpicID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	out := []model.Story{}
	for rows.Next() {
		var s model.Story
		if err := rows.Scan(&s.ID, &s.EpicID, &s.Title, &s.Description); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) getStory(ctx context.Context, userID string, p Path, id string) (model.Story, error) {
	var s model.Story
	if err := d.checkPath(ctx, userID, p); err != nil {
		return s, err
	}
	err := d.db.QueryRowContext(ctx, `SELECT id, epic_id, title, description FROM stories WHERE id = ? AND epic_id = ?;`, id, p.EpicID).
		Scan(&s.ID, &s.EpicID, &s.Title, &s.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func (d *DB) createStory(ctx context.Context, userID string, p Path, s model.Story) (model.Story, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return s, err
	}
	s.ID = uuid.NewString()
	s.EpicID = p.EpicID
	if _, err := d.db.ExecContext(ctx, `INSERT INTO stories (id, epic_id, title, description) VALUES (?, ?, ?, ?);`,
		s.ID, s.EpicID, s.Title, s.Description); err != nil {
		return s, fmt.Errorf("insert story: %w", err)
	}
	return s, nil
}

func (d *DB) updateStory(ctx context.Context, userID string, p Path, id string, patch fieldPatch) (model.Story, error) {
	cur, err := d.getStory(ctx, userID, p, id)
	if err != nil {
		return cur, err
	}
	setIfPresent(&cur.Title, patch.Title)
	setIfPresent(&cur.Description, patch.Description)
	_, err = d.db.ExecContext(ctx, `UPDATE stories SET title = ?, description = ? WHERE id = ?;`, cur.Title, cur.Description, id)
	return cur, err
}

func (d *DB) deleteStory(ctx context.Context, userID string, p Path, id string) error {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return err
	}
	return affected(d.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ? AND epic_id = ?;`, id, p.EpicID))
}

// --- tasks ---

func (d *DB) listTasks(ctx context.Context, userID string, p Path) ([]model.Task, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, story_id, title, description, completed FROM tasks WHERE story_id = ? ORDER BY rowid;`, p.StoryID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.Completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) getTask(ctx context.Context, userID string, p Path, id string) (model.Task, error) {
	var t model.Task
	if err := d.checkPath(ctx, userID, p); err != nil {
		return t, err
	}
	err := d.db.QueryRowContext(ctx, `SELECT id, story_id, title, description, completed FROM tasks WHERE id = ? AND story_id = ?;`, id, p.StoryID).
		Scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (d *DB) createTask(ctx context.Context, userID string, p Path, t model.Task) (model.Task, error) {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return t, err
	}
	t.ID = uuid.NewString()
	t.StoryID = p.StoryID
	if _, err := d.db.ExecContext(ctx, `INSERT INTO tasks (id, story_id, title, description, completed) VALUES (?, ?, ?, ?, ?);`,
		t.ID, t.StoryID, t.Title, t.Description, t.Completed); err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (d *DB) updateTask(ctx context.Context, userID string, p Path, id string, patch fieldPatch) (model.Task, error) {
	cur, err := d.getTask(ctx, userID, p, id)
	if err != nil {
		return cur, err
	}
	setIfPresent(&cur.Title, patch.Title)
	setIfPresent(&cur.Description, patch.Description)
	if patch.Completed != nil {
		cur.Completed = *patch.Completed
	}
	_, err = d.db.ExecContext(ctx, `UPDATE tasks SET title = ?, description = ?, completed = ? WHERE id = ?;`,
		cur.Title, cur.Description, cur.Completed, id)
	return cur, err
}

func (d *DB) deleteTask(ctx context.Context, userID string, p Path, id string) error {
	if err := d.checkPath(ctx, userID, p); err != nil {
		return err
	}
	return affected(d.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND story_id = ?;`, id, p.StoryID))
}

// fieldPatch carries the fields a PUT may change. Absent fields stay as they are.
type fieldPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

func setIfPresent(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
