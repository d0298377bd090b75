// Package devserver is a small SQLite-backed implementation of the tracker
// backend. It serves the hierarchy routes and the cookie-session auth routes
// the client expects, for local development and end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/shared"
)

const (
	// DefaultBasePath prefixes every route.
	DefaultBasePath = "/api"

	// CookieName carries the session token.
	CookieName = "token"

	minPasswordLen = 6
	maxBodyBytes   = 1 << 20
)

type userContextKey struct{}

// Options configures a Server.
type Options struct {
	BasePath string
	Logger   *slog.Logger
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Server serves the backend API over a DB.
type Server struct {
	db         *DB
	base       string
	logger     *slog.Logger
	bcryptCost int
}

// NewServer returns a server over db.
func NewServer(db *DB, opts Options) *Server {
	base := strings.TrimRight(opts.BasePath, "/")
	if opts.BasePath == "" {
		base = DefaultBasePath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Server{db: db, base: base, logger: logger, bcryptCost: cost}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	b := s.base

	mux.HandleFunc("POST "+b+"/register", s.handleRegister)
	mux.HandleFunc("POST "+b+"/login", s.handleLogin)
	mux.HandleFunc("GET "+b+"/verify", s.handleVerify)
	mux.HandleFunc("POST "+b+"/logout", s.handleLogout)

	mux.Handle("GET "+b+"/projects", s.auth(s.listProjects))
	mux.Handle("POST "+b+"/project", s.auth(s.createProject))
	mux.Handle("GET "+b+"/project/{pid}", s.auth(s.getProject))
	mux.Handle("PUT "+b+"/project/{pid}", s.auth(s.updateProject))
	mux.Handle("DELETE "+b+"/project/{pid}", s.auth(s.deleteProject))

	epics := b + "/projects/{pid}/epics"
	mux.Handle("GET "+epics, s.auth(s.listEpics))
	mux.Handle("POST "+epics, s.auth(s.createEpic))
	mux.Handle("GET "+epics+"/{eid}", s.auth(s.getEpic))
	mux.Handle("PUT "+epics+"/{eid}", s.auth(s.updateEpic))
	mux.Handle("DELETE "+epics+"/{eid}", s.auth(s.deleteEpic))

	epic := epics + "/{eid}"
	mux.Handle("GET "+epic+"/stories", s.auth(s.listStories))
	mux.Handle("POST "+epic+"/story", s.auth(s.createStory))
	mux.Handle("GET "+epic+"/story/{sid}", s.auth(s.getStory))
	mux.Handle("PUT "+epic+"/story/{sid}", s.auth(s.updateStory))
	mux.Handle("DELETE "+epic+"/story/{sid}", s.auth(s.deleteStory))

	story := epic + "/stories/{sid}"
	mux.Handle("GET "+story+"/tasks", s.auth(s.listTasks))
	mux.Handle("POST "+story+"/task", s.auth(s.createTask))
	mux.Handle("GET "+story+"/task/{tid}", s.auth(s.getTask))
	mux.Handle("PUT "+story+"/task/{tid}", s.auth(s.updateTask))
	mux.Handle("DELETE "+story+"/task/{tid}", s.auth(s.deleteTask))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = shared.WithTraceID(ctx, id)
		}
		ctx, traceID := shared.EnsureTraceID(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.logger.Debug("devserver request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"trace_id", traceID,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// auth resolves the session cookie to a user, or answers 401.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "no token, authorization denied")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

func (s *Server) currentUser(r *http.Request) (model.User, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return model.User{}, false
	}
	user, err := s.db.sessionUser(r.Context(), c.Value)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("devserver session lookup failed", "error", err)
		}
		return model.User{}, false
	}
	return user, true
}

func userID(r *http.Request) string {
	u, _ := r.Context().Value(userContextKey{}).(model.User)
	return u.ID
}

// --- auth routes ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	var problems []string
	if creds.Email == "" {
		problems = append(problems, "email is required")
	}
	if len(creds.Password) < minPasswordLen {
		problems = append(problems, "password must be at least 6 characters")
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, problems)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		writeJSON(w, http.StatusBadRequest, []string{"password must be at most 72 bytes"})
		return
	}
	if err != nil {
		s.internalError(w, "hash password", err)
		return
	}
	user, err := s.db.createUser(r.Context(), userRecord{
		User:         model.User{Username: strings.TrimSpace(creds.Username), Email: creds.Email},
		PasswordHash: string(hash),
	})
	if errors.Is(err, ErrEmailTaken) {
		writeJSON(w, http.StatusBadRequest, []string{ErrEmailTaken.Error()})
		return
	}
	if err != nil {
		s.internalError(w, "create user", err)
		return
	}
	s.startSession(w, r, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if creds.Email == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, []string{"email and password are required"})
		return
	}
	rec, err := s.db.userByEmail(r.Context(), creds.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.internalError(w, "load user", err)
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(creds.Password)) != nil {
		writeMessage(w, http.StatusBadRequest, "invalid email or password")
		return
	}
	s.startSession(w, r, rec.User)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user model.User) {
	token, err := s.db.createSession(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "create session", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(r)
	if !ok {
		writeMessage(w, http.StatusOK, "no session")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if err := s.db.deleteSession(r.Context(), c.Value); err != nil {
			s.internalError(w, "delete session", err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeMessage(w, http.StatusOK, "logged out")
}

// --- projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.listProjects(r.Context(), userID(r))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if !decodeBody(w, r, &p) || !requireTitle(w, p.Title) {
		return
	}
	out, err := s.db.createProject(r.Context(), userID(r), p)
	s.respond(w, http.StatusCreated, out, err)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.getProject(r.Context(), userID(r), r.PathValue("pid"))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	var patch fieldPatch
	if !decodeBody(w, r, &patch) || !validPatch(w, patch) {
		return
	}
	out, err := s.db.updateProject(r.Context(), userID(r), r.PathValue("pid"), patch)
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	s.respondDeleted(w, s.db.deleteProject(r.Context(), userID(r), r.PathValue("pid")))
}

// --- epics ---

func (s *Server) listEpics(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.listEpics(r.Context(), userID(r), pathOf(r))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) createEpic(w http.ResponseWriter, r *http.Request) {
	var e model.Epic
	if !decodeBody(w, r, &e) || !requireTitle(w, e.Title) {
		return
	}
	out, err := s.db.createEpic(r.Context(), userID(r), pathOf(r), e)
	s.respond(w, http.StatusCreated, out, err)
}

func (s *Server) getEpic(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.getEpic(r.Context(), userID(r), Path{ProjectID: r.PathValue("pid")}, r.PathValue("eid"))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) updateEpic(w http.ResponseWriter, r *http.Request) {
	var patch fieldPatch
	if !decodeBody(w, r, &patch) || !validPatch(w, patch) {
		return
	}
	out, err := s.db.updateEpic(r.Context(), userID(r), Path{ProjectID: r.PathValue("pid")}, r.PathValue("eid"), patch)
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) deleteEpic(w http.ResponseWriter, r *http.Request) {
	s.respondDeleted(w, s.db.deleteEpic(r.Context(), userID(r), Path{ProjectID: r.PathValue("pid")}, r.PathValue("eid")))
}

// --- stories ---

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.listStories(r.Context(), userID(r), pathOf(r))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) createStory(w http.ResponseWriter, r *http.Request) {
	var st model.Story
	if !decodeBody(w, r, &st) || !requireTitle(w, st.Title) {
		return
	}
	out, err := s.db.createStory(r.Context(), userID(r), pathOf(r), st)
	s.respond(w, http.StatusCreated, out, err)
}

func (s *Server) getStory(w http.ResponseWriter, r *http.Request) {
	p := pathOf(r)
	p.StoryID = ""
	out, err := s.db.getStory(r.Context(), userID(r), p, r.PathValue("sid"))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) updateStory(w http.ResponseWriter, r *http.Request) {
	var patch fieldPatch
	if !decodeBody(w, r, &patch) || !validPatch(w, patch) {
		return
	}
	p := pathOf(r)
	p.StoryID = ""
	out, err := s.db.updateStory(r.Context(), userID(r), p, r.PathValue("sid"), patch)
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) deleteStory(w http.ResponseWriter, r *http.Request) {
	p := pathOf(r)
	p.StoryID = ""
	s.respondDeleted(w, s.db.deleteStory(r.Context(), userID(r), p, r.PathValue("sid")))
}

// --- tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.listTasks(r.Context(), userID(r), pathOf(r))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if !decodeBody(w, r, &t) || !requireTitle(w, t.Title) {
		return
	}
	out, err := s.db.createTask(r.Context(), userID(r), pathOf(r), t)
	s.respond(w, http.StatusCreated, out, err)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.getTask(r.Context(), userID(r), pathOf(r), r.PathValue("tid"))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch fieldPatch
	if !decodeBody(w, r, &patch) || !validPatch(w, patch) {
		return
	}
	out, err := s.db.updateTask(r.Context(), userID(r), pathOf(r), r.PathValue("tid"), patch)
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	s.respondDeleted(w, s.db.deleteTask(r.Context(), userID(r), pathOf(r), r.PathValue("tid")))
}

// --- helpers ---

// pathOf collects the ancestor ids present in the route. Routes that name an
// entity by id in its own segment clear that level before use.
func pathOf(r *http.Request) Path {
	return Path{
		ProjectID: r.PathValue("pid"),
		EpicID:    r.PathValue("eid"),
		StoryID:   r.PathValue("sid"),
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case err != nil:
		s.internalError(w, "query", err)
	default:
		writeJSON(w, status, body)
	}
}

func (s *Server) respondDeleted(w http.ResponseWriter, err error) {
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("devserver "+op+" failed", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, []string{"invalid JSON body"})
		return false
	}
	return true
}

func requireTitle(w http.ResponseWriter, title string) bool {
	if strings.TrimSpace(title) == "" {
		writeJSON(w, http.StatusBadRequest, []string{"title is required"})
		return false
	}
	return true
}

func validPatch(w http.ResponseWriter, p fieldPatch) bool {
	if p.Title != nil {
		return requireTitle(w, *p.Title)
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
