package session

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
)

// Config controls session lifetimes and the concurrency caps
type Config struct {
	Lifetime      time.Duration
	IdleTimeout   time.Duration
	SlidingExpiry bool
	// MaxConcurrent is the fallback cap for plans absent from PlanLimits
	// or when the tenant plan cannot be resolved.
	MaxConcurrent int
	// PlanLimits maps a tenant plan to its per-user session cap.
	PlanLimits map[string]int
}

// PlanSource reports a tenant's plan so Create can apply that plan's cap.
type PlanSource interface {
	Plan(ctx context.Context, tenantID string) (string, error)
}

// Service manages session lifecycle and per-user concurrency
type Service struct {
	repo        Repository
	plans       PlanSource
	auditLogger audit.Logger
	cfg         Config
}

// NewService creates a new session service. A nil plans source disables
// per-plan caps and MaxConcurrent applies everywhere.
func NewService(repo Repository, plans PlanSource, auditLogger audit.Logger, cfg Config) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Service{repo: repo, plans: plans, auditLogger: auditLogger, cfg: cfg}
}

// Create opens a session for a user. When the user is at the concurrency
// cap, the lowest-scored existing session is evicted instead of blocking
// the new login.
func (s *Service) Create(ctx context.Context, userID, tenantID string, device DeviceInfo) (*Session, error) {
	now := time.Now()

	active, err := s.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit := s.concurrencyCap(ctx, tenantID)
	if len(active) >= limit {
		s.evict(ctx, active, device, len(active)-limit+1, now)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID,
		Device:       device,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.cfg.Lifetime),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSessionCreated,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: sess.ID,
		Metadata: map[string]any{"ip": device.IPAddress},
	})
	return sess, nil
}

// concurrencyCap resolves the cap from the tenant's plan, falling back
// to MaxConcurrent when no plan limit applies.
func (s *Service) concurrencyCap(ctx context.Context, tenantID string) int {
	if s.plans == nil || tenantID == "" || len(s.cfg.PlanLimits) == 0 {
		return s.cfg.MaxConcurrent
	}
	plan, err := s.plans.Plan(ctx, tenantID)
	if err != nil {
		slog.WarnContext(ctx, "failed to resolve tenant plan for session cap",
			logger.TenantID(tenantID), logger.Error(err))
		return s.cfg.MaxConcurrent
	}
	if limit, ok := s.cfg.PlanLimits[plan]; ok && limit > 0 {
		return limit
	}
	return s.cfg.MaxConcurrent
}

// evict removes the n lowest-scored sessions from the given active set
func (s *Service) evict(ctx context.Context, active []*Session, incoming DeviceInfo, n int, now time.Time) {
	sort.Slice(active, func(i, j int) bool {
		return score(active[i], incoming, now) < score(active[j], incoming, now)
	})
	if n > len(active) {
		n = len(active)
	}
	for _, victim := range active[:n] {
		if err := s.repo.Revoke(ctx, victim.ID, now); err != nil {
			slog.ErrorContext(ctx, "failed to evict session",
				logger.SessionID(victim.ID), logger.UserID(victim.UserID), logger.Error(err))
			continue
		}
		slog.InfoContext(ctx, "session evicted over concurrency cap",
			logger.SessionID(victim.ID), logger.UserID(victim.UserID))
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeSessionEvicted,
			TenantID: victim.TenantID,
			ActorID:  victim.UserID,
			Resource: victim.ID,
		})
	}
}

// Validate loads a session and records activity. Expired, idle, or revoked
// sessions fail; with sliding expiry enabled the deadline moves forward
// on each validated use.
func (s *Service) Validate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if sess.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if sess.IsExpired() {
		return nil, ErrSessionExpired
	}
	if s.cfg.IdleTimeout > 0 && sess.IsIdle(s.cfg.IdleTimeout) {
		return nil, ErrSessionExpired
	}

	now := time.Now()
	sess.LastActiveAt = now
	if s.cfg.SlidingExpiry {
		sess.ExpiresAt = now.Add(s.cfg.Lifetime)
	}
	if err := s.repo.Touch(ctx, sess.ID, sess.LastActiveAt, sess.ExpiresAt); err != nil {
		slog.WarnContext(ctx, "failed to touch session", logger.SessionID(sess.ID), logger.Error(err))
	}
	return sess, nil
}

// ListActive returns the user's live sessions, newest first
func (s *Service) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	active, err := s.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// Revoke ends a single session
func (s *Service) Revoke(ctx context.Context, id string) error {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ErrSessionNotFound
	}
	if err := s.repo.Revoke(ctx, id, time.Now()); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSessionRevoked,
		TenantID: sess.TenantID,
		ActorID:  sess.UserID,
		Resource: sess.ID,
	})
	return nil
}

// RevokeAll ends every session for a user, typically on password change
func (s *Service) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeByUser(ctx, userID, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeSessionRevoked,
			ActorID:  userID,
			Metadata: map[string]any{"count": n},
		})
	}
	return n, nil
}

// CleanupExpired deletes sessions past their deadline
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}
