package service

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"v64assist/backend/internal/model"
	"v64assist/backend/internal/store"
)

// seed.json is the reference sheet the catalog is bootstrapped from on first
// run; after that the user's own edits are authoritative.
//
//go:embed seed.json
var profileSeed []byte

const profileSaveDelay = 500 * time.Millisecond

// ProfileService owns the business profile and product catalog. Edits arrive
// keystroke-by-keystroke from the catalog form, so persistence is debounced:
// each update resets a short timer and only the last state in a burst is
// written.
type ProfileService struct {
	store store.Store

	mu        sync.Mutex
	current   *model.BusinessProfile
	saveTimer *time.Timer
}

func NewProfileService(st store.Store) *ProfileService {
	return &ProfileService{store: st}
}

// Snapshot returns a copy of the profile, lazily loading or seeding it.
func (s *ProfileService) Snapshot(ctx context.Context) *model.BusinessProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(ctx)

	out := *s.current
	out.Products = make([]model.Product, len(s.current.Products))
	copy(out.Products, s.current.Products)
	return &out
}

// Update replaces the profile and schedules a debounced save.
func (s *ProfileService) Update(_ context.Context, profile model.BusinessProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &profile
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(profileSaveDelay, func() {
		// Detached from the request context: a slow or failed save must not
		// block the next user action.
		s.Flush(context.Background())
	})
}

// Flush writes the current profile immediately and cancels any pending
// debounced save.
func (s *ProfileService) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.current == nil {
		return
	}
	raw, err := json.Marshal(s.current)
	if err != nil {
		slog.Error("Failed to encode business profile", "error", err)
		return
	}
	if err := s.store.Set(ctx, store.KeyProfile, raw); err != nil {
		slog.Warn("Failed to persist business profile, keeping in-memory state", "error", err)
	}
}

func (s *ProfileService) ensureLoadedLocked(ctx context.Context) {
	if s.current != nil {
		return
	}
	raw, err := s.store.Get(ctx, store.KeyProfile)
	if err == nil {
		var profile model.BusinessProfile
		if err := json.Unmarshal(raw, &profile); err == nil {
			s.current = &profile
			return
		}
		slog.Warn("Stored business profile is unreadable, reseeding", "error", err)
	} else if err != store.ErrNotFound {
		slog.Warn("Failed to load business profile, using seed", "error", err)
	}

	var seeded model.BusinessProfile
	if err := json.Unmarshal(profileSeed, &seeded); err != nil {
		slog.Error("Embedded profile seed is invalid", "error", err)
		seeded = model.BusinessProfile{CompanyName: "V64"}
	}
	s.current = &seeded
	if raw, err := json.Marshal(s.current); err == nil {
		if err := s.store.Set(ctx, store.KeyProfile, raw); err != nil {
			slog.Warn("Failed to persist seeded business profile", "error", err)
		}
	}
}
