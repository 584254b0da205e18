// Package httpapi exposes the host session over HTTP: the current snapshot, the user actions,
// the stored history and link counters.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
)

// Session is the part of the coordinator the API drives
type Session interface {
	Snapshot() (session.Snapshot, error)
	StartWorkout(plan model.Plan) error
	Pause() error
	Resume() error
	EndWorkout() error
	EndSet(u session.SetUpdate) error
	StartSet(setID string) error
	UpdateSet(setID string, u session.SetUpdate) error
	AddSet() error
	AddAnotherSet() error
	FinishExercise() error
	SkipRest() error
	SetRestDuration(d time.Duration) error
	AcceptCompensatedRest() error
	ChooseRestDuration(d time.Duration) error
	DismissPrompt() error
}

// History is the read side of the history store
type History interface {
	ListWorkouts(ctx context.Context, limit int) ([]store.WorkoutSummary, error)
	WorkoutSets(ctx context.Context, sessionID string) ([]store.SetRecord, error)
}

// Link reports the bridge state
type Link interface {
	State() bridge.ActivationState
	Reachable() bool
	Stats() bridge.Stats
}

// Server holds dependencies for HTTP handlers
type Server struct {
	sess    Session
	history History
	link    Link
	logger  *log.Logger
	router  chi.Router
}

// New creates a Server with all routes configured. history and link may be nil;
// their routes then answer 404.
func New(sess Session, history History, link Link, logger *log.Logger) *Server {
	if sess == nil {
		panic("HTTP: session cannot be nil")
	}
	if logger == nil {
		panic("HTTP: logger cannot be nil")
	}
	s := &Server{
		sess:    sess,
		history: history,
		link:    link,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestLogging(s.logger))

	s.router.Route("/api/v1/session", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/start", s.handleStart)
		r.Post("/pause", s.action(s.sess.Pause))
		r.Post("/resume", s.action(s.sess.Resume))
		r.Post("/end", s.action(s.sess.EndWorkout))

		r.Post("/sets", s.action(s.sess.AddSet))
		r.Post("/sets/another", s.action(s.sess.AddAnotherSet))
		r.Post("/sets/end", s.handleEndSet)
		r.Post("/sets/{id}/start", s.handleStartSet)
		r.Patch("/sets/{id}", s.handleUpdateSet)
		r.Post("/exercise/finish", s.action(s.sess.FinishExercise))

		r.Post("/rest/skip", s.action(s.sess.SkipRest))
		r.Put("/rest", s.handleRestDuration(s.sess.SetRestDuration))
		r.Post("/rest/compensated", s.action(s.sess.AcceptCompensatedRest))
		r.Post("/rest/choose", s.handleRestDuration(s.sess.ChooseRestDuration))
		r.Delete("/prompt", s.action(s.sess.DismissPrompt))
	})

	if s.history != nil {
		s.router.Get("/api/v1/history", s.handleListWorkouts)
		s.router.Get("/api/v1/history/{id}", s.handleWorkoutSets)
	}
	if s.link != nil {
		s.router.Get("/api/v1/link", s.handleLink)
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func Serve(ctx context.Context, addr string, h http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Printf("HTTP: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
