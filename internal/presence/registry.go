// Package presence tracks which participants are connected to which session.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-classroom/backend/internal/metrics"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/apperr"
)

const (
	DefaultSweepInterval       = 5 * time.Minute
	DefaultInactivityThreshold = 5 * time.Minute

	sweepBroadcastConcurrency = 8
)

// Directory is the persisted participant record the registry keeps in sync.
type Directory interface {
	UpsertOnline(ctx context.Context, sessionID, personID int64, connectionRef string) (*models.Participant, error)
	MarkOffline(ctx context.Context, sessionID, personID int64) error
	Leave(ctx context.Context, sessionID, personID int64) error
	Touch(ctx context.Context, sessionID, personID int64, connected bool) (bool, error)
	CountOnline(ctx context.Context, sessionID int64) (int, error)
	OnlinePersonIDs(ctx context.Context, sessionID int64) ([]int64, error)
	SweepInactive(ctx context.Context, cutoff time.Time) ([]models.SweptSession, error)
}

// DepartureHandler is called after a participant of the session went offline.
type DepartureHandler func(ctx context.Context, sessionID int64, sessionCode string)

// Config configures a Registry.
type Config struct {
	Hub       *realtime.Hub
	Directory Directory
	Logger    *zap.Logger

	// InactivityThreshold is how long a participant may stay silent before the sweep takes it offline.
	InactivityThreshold time.Duration
	Now                 func() time.Time
}

// Registry owns connection attach/detach and participant liveness.
type Registry struct {
	hub         *realtime.Hub
	dir         Directory
	logger      *zap.Logger
	threshold   time.Duration
	now         func() time.Time
	onDeparture DepartureHandler
}

// NewRegistry creates a presence registry.
func NewRegistry(c Config) *Registry {
	r := &Registry{
		hub:       c.Hub,
		dir:       c.Directory,
		logger:    c.Logger,
		threshold: c.InactivityThreshold,
		now:       c.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.threshold <= 0 {
		r.threshold = DefaultInactivityThreshold
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SetDepartureHandler sets the callback run when a participant goes offline.
func (r *Registry) SetDepartureHandler(fn DepartureHandler) {
	r.onDeparture = fn
}

// Attach registers a connection and, for students, marks the participant online and rebroadcasts the count.
// Teacher connections only receive the current count.
func (r *Registry) Attach(ctx context.Context, c *realtime.Client) error {
	r.hub.Register(c)
	if !c.IsStudent() {
		n, err := r.dir.CountOnline(ctx, c.SessionID)
		if err != nil {
			r.logger.Warn("count online", zap.Int64("session_id", c.SessionID), zap.Error(err))
			return nil
		}
		r.hub.SendToClient(c.SessionCode, c.ID, realtime.EventParticipantCount,
			realtime.ParticipantCountPayload{SessionCode: c.SessionCode, Count: n})
		return nil
	}

	if _, err := r.dir.UpsertOnline(ctx, c.SessionID, c.PersonID, c.ID); err != nil {
		r.hub.Unregister(c)
		return err
	}
	r.logger.Info("participant attached",
		zap.String("session_code", c.SessionCode),
		zap.Int64("person_id", c.PersonID),
		zap.String("client_id", c.ID))
	r.broadcastCount(ctx, c.SessionID, c.SessionCode)
	return nil
}

// Detach removes a connection. Closing a person's last connection marks them offline.
// Unknown connections are a no-op.
func (r *Registry) Detach(ctx context.Context, c *realtime.Client) {
	removed, remaining := r.hub.Unregister(c)
	if !removed || !c.IsStudent() || remaining > 0 {
		return
	}
	if err := r.dir.MarkOffline(ctx, c.SessionID, c.PersonID); err != nil {
		r.logger.Error("mark offline", zap.Int64("session_id", c.SessionID), zap.Int64("person_id", c.PersonID), zap.Error(err))
		return
	}
	r.logger.Info("participant offline", zap.String("session_code", c.SessionCode), zap.Int64("person_id", c.PersonID))
	r.broadcastCount(ctx, c.SessionID, c.SessionCode)
	r.departed(ctx, c.SessionID, c.SessionCode)
}

// Heartbeat refreshes liveness for the connection's participant.
func (r *Registry) Heartbeat(ctx context.Context, c *realtime.Client) {
	if !c.IsStudent() {
		return
	}
	if err := r.Touch(ctx, &models.Session{ID: c.SessionID, Code: c.SessionCode}, c.PersonID); err != nil {
		r.logger.Warn("heartbeat", zap.Int64("person_id", c.PersonID), zap.Error(err))
	}
}

// Leave handles an explicit leave sent over a connection.
func (r *Registry) Leave(ctx context.Context, c *realtime.Client) {
	if !c.IsStudent() {
		return
	}
	if err := r.LeaveSession(ctx, &models.Session{ID: c.SessionID, Code: c.SessionCode}, c.PersonID); err != nil {
		r.logger.Warn("leave", zap.Int64("person_id", c.PersonID), zap.Error(err))
	}
}

// Join marks a person online in a session without a connection of this instance.
func (r *Registry) Join(ctx context.Context, s *models.Session, personID int64, connectionRef string) (*models.Participant, error) {
	if !s.IsActive {
		return nil, apperr.ErrSessionInactive
	}
	p, err := r.dir.UpsertOnline(ctx, s.ID, personID, connectionRef)
	if err != nil {
		return nil, err
	}
	r.broadcastCount(ctx, s.ID, s.Code)
	return p, nil
}

// LeaveSession soft-deletes a person's membership and rebroadcasts the count.
func (r *Registry) LeaveSession(ctx context.Context, s *models.Session, personID int64) error {
	if err := r.dir.Leave(ctx, s.ID, personID); err != nil {
		return err
	}
	r.broadcastCount(ctx, s.ID, s.Code)
	r.departed(ctx, s.ID, s.Code)
	return nil
}

// Touch refreshes last_activity. A person without a live connection here is not marked online.
func (r *Registry) Touch(ctx context.Context, s *models.Session, personID int64) error {
	changed, err := r.dir.Touch(ctx, s.ID, personID, r.hub.PersonConnected(s.Code, personID))
	if err != nil {
		return err
	}
	if changed {
		r.broadcastCount(ctx, s.ID, s.Code)
	}
	return nil
}

// OnlinePersons lists the people currently online in a session.
func (r *Registry) OnlinePersons(ctx context.Context, sessionID int64) ([]int64, error) {
	return r.dir.OnlinePersonIDs(ctx, sessionID)
}

// Sweep takes offline every participant silent for longer than the inactivity threshold
// and broadcasts one count per affected session.
func (r *Registry) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.threshold)
	swept, err := r.dir.SweepInactive(ctx, cutoff)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepBroadcastConcurrency)
	for _, s := range swept {
		s := s
		metrics.SweptParticipants.Add(float64(s.Swept))
		g.Go(func() error {
			r.broadcastCount(gctx, s.SessionID, s.SessionCode)
			r.departed(gctx, s.SessionID, s.SessionCode)
			return nil
		})
	}
	_ = g.Wait()

	if len(swept) > 0 {
		r.logger.Info("presence sweep", zap.Int("sessions", len(swept)), zap.Time("cutoff", cutoff))
	}
	return nil
}

func (r *Registry) broadcastCount(ctx context.Context, sessionID int64, code string) {
	n, err := r.dir.CountOnline(ctx, sessionID)
	if err != nil {
		r.logger.Warn("count online", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	r.hub.Broadcast(code, realtime.EventParticipantCount, realtime.ParticipantCountPayload{SessionCode: code, Count: n})
}

func (r *Registry) departed(ctx context.Context, sessionID int64, code string) {
	if r.onDeparture != nil {
		r.onDeparture(ctx, sessionID, code)
	}
}
