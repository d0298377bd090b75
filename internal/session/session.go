// Package session tracks who is signed in. It starts in Checking, settles on
// Authenticated or Anonymous after the first verification, and announces every
// transition and every logout on the bus.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	trackerotel "github.com/basket/go-tracker/internal/otel"
	"github.com/basket/go-tracker/internal/remote"
)

// State is the authentication state.
type State string

const (
	Checking      State = "checking"
	Authenticated State = "authenticated"
	Anonymous     State = "anonymous"
)

// DefaultErrorTTL is how long an error list stays visible.
const DefaultErrorTTL = 5 * time.Second

const (
	defaultLoginMessage    = "login failed"
	defaultRegisterMessage = "registration failed"
)

// Authenticator is the backend surface the session needs. *remote.Client
// implements it.
type Authenticator interface {
	Verify(ctx context.Context) (model.User, bool, error)
	Login(ctx context.Context, creds model.Credentials) (model.User, error)
	Register(ctx context.Context, creds model.Credentials) (model.User, error)
	Logout(ctx context.Context) error
	ClearCredentials()
}

// Options configures a Session.
type Options struct {
	ErrorTTL time.Duration // DefaultErrorTTL when zero
	Logger   *slog.Logger
	Metrics  *trackerotel.Metrics
}

// Session is safe for concurrent use. Bus handlers that react to its events
// may read it but must not call Login, Register or Logout.
type Session struct {
	auth    Authenticator
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *trackerotel.Metrics
	ttl     time.Duration
	verify  singleflight.Group

	// transition serializes state changes with their announcements so
	// subscribers observe them in order.
	transition sync.Mutex

	mu       sync.RWMutex
	state    State
	user     model.User
	version  uint64 // bumped by login, register and logout
	errs     []string
	errGen   uint64
	errTimer *time.Timer
}

// New returns a Session in the Checking state.
func New(auth Authenticator, b *bus.Bus, opts Options) *Session {
	ttl := opts.ErrorTTL
	if ttl <= 0 {
		ttl = DefaultErrorTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = trackerotel.NoopMetrics()
	}
	return &Session{
		auth:    auth,
		bus:     b,
		logger:  logger.With("component", "session"),
		metrics: metrics,
		ttl:     ttl,
		state:   Checking,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the signed-in user, or the zero User.
func (s *Session) User() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// IsAuthenticated reports whether the state is Authenticated.
func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// Errors returns the messages of the last failed login or registration. The
// list empties itself once the display window has passed.
func (s *Session) Errors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.errs)
}

type verifyResult struct {
	user model.User
	ok   bool
}

// Verify asks the backend whether the held credential is still valid and
// settles the state accordingly: a user payload means Authenticated, anything
// else (no-session marker or failure) means Anonymous. Concurrent calls share
// one request. A verification that started before a login, registration or
// logout finished is discarded. The returned error is informational.
func (s *Session) Verify(ctx context.Context) (State, error) {
	s.mu.RLock()
	version := s.version
	s.mu.RUnlock()

	res, err, _ := s.verify.Do(strconv.FormatUint(version, 10), func() (any, error) {
		user, ok, err := s.auth.Verify(ctx)
		return verifyResult{user: user, ok: ok}, err
	})
	r, _ := res.(verifyResult)

	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	if s.version != version {
		current := s.state
		s.mu.Unlock()
		s.logger.Debug("discarding stale verification", "state", current)
		return current, nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("verification failed", "kind", remote.KindOf(err), "error", err)
		s.apply(Anonymous, model.User{}, false)
		return Anonymous, err
	}
	if !r.ok {
		s.apply(Anonymous, model.User{}, false)
		return Anonymous, nil
	}
	s.apply(Authenticated, r.user, false)
	return Authenticated, nil
}

// Login signs in. On failure the state is unchanged, the normalized messages
// are exposed through Errors and the error is returned.
func (s *Session) Login(ctx context.Context, creds model.Credentials) (model.User, error) {
	return s.signIn(ctx, "login", s.auth.Login, creds, NormalizeLoginErrors)
}

// Register creates an account and signs it in, with the same contract as Login.
func (s *Session) Register(ctx context.Context, creds model.Credentials) (model.User, error) {
	return s.signIn(ctx, "register", s.auth.Register, creds, NormalizeRegisterErrors)
}

func (s *Session) signIn(
	ctx context.Context,
	action string,
	fn func(context.Context, model.Credentials) (model.User, error),
	creds model.Credentials,
	normalize func(error) []string,
) (model.User, error) {
	user, err := fn(ctx, creds)
	if err != nil {
		msgs := normalize(err)
		s.setErrors(msgs)
		s.logger.Info(action+" failed", "kind", remote.KindOf(err), "messages", len(msgs))
		return model.User{}, err
	}

	s.transition.Lock()
	defer s.transition.Unlock()
	s.apply(Authenticated, user, true)
	s.logger.Info(action+" succeeded", "user_id", user.ID)
	return user, nil
}

// Logout signs out remotely, then drops local state no matter what the
// backend said: the state becomes Anonymous, credentials and errors are
// cleared and a logout event is published.
func (s *Session) Logout(ctx context.Context) {
	if err := s.auth.Logout(ctx); err != nil {
		s.logger.Warn("remote logout failed", "kind", remote.KindOf(err), "error", err)
	}
	s.auth.ClearCredentials()

	s.transition.Lock()
	defer s.transition.Unlock()

	userID := s.User().ID
	s.clearErrors()
	s.apply(Anonymous, model.User{}, true)
	s.bus.Publish(bus.TopicSessionLogout, bus.LogoutEvent{UserID: userID})
	s.logger.Info("logged out", "user_id", userID)
}

// Close stops the error display timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
}

// apply must be called with s.transition held.
func (s *Session) apply(next State, user model.User, explicit bool) {
	s.mu.Lock()
	prev, prevUser := s.state, s.user
	s.state = next
	s.user = user
	if explicit {
		s.version++
	}
	s.mu.Unlock()

	if prev == next && prevUser.ID == user.ID {
		return
	}
	s.metrics.SessionChanges.Add(context.Background(), 1,
		metric.WithAttributes(trackerotel.AttrState.String(string(next))))
	s.logger.Debug("session state changed", "from", prev, "to", next)
	s.bus.Publish(bus.TopicSessionStateChanged, bus.SessionStateChangedEvent{
		OldState: string(prev),
		NewState: string(next),
		UserID:   user.ID,
	})
}

func (s *Session) setErrors(msgs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = msgs
	s.errGen++
	gen := s.errGen
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.errGen == gen {
			s.errs = nil
		}
	})
}

func (s *Session) clearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = nil
	s.errGen++
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
}

// NormalizeLoginErrors turns a failed login into display messages. Backend
// messages pass through (a list stays a list, a single message becomes one
// element); anything else, a call that got no response included, becomes the
// generic login message.
func NormalizeLoginErrors(err error) []string {
	if msgs := remote.Messages(err); len(msgs) > 0 {
		return slices.Clone(msgs)
	}
	return []string{defaultLoginMessage}
}

// NormalizeRegisterErrors is NormalizeLoginErrors for registration, except
// that a call that got no response reports the transport error.
func NormalizeRegisterErrors(err error) []string {
	if msgs := remote.Messages(err); len(msgs) > 0 {
		return slices.Clone(msgs)
	}
	var re *remote.Error
	if errors.As(err, &re) {
		if re.Status == 0 && re.Err != nil {
			return []string{re.Err.Error()}
		}
		return []string{defaultRegisterMessage}
	}
	if err != nil {
		return []string{err.Error()}
	}
	return []string{defaultRegisterMessage}
}
