package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	apperrors "v64assist/backend/internal/errors"
	"v64assist/backend/internal/store"
)

// Settings holds the dynamic application settings, including the
// presentation configuration (theme, font, sound). Keeping presentation
// state here means the reconciliation engine never touches it.
type Settings struct {
	SystemPrompt string `json:"system_prompt"`
	MainModel    string `json:"main_model"`
	SupportModel string `json:"support_model"`
	Theme        string `json:"theme"`
	Font         string `json:"font"`
	SoundEnabled bool   `json:"sound_enabled"`
}

var validThemes = []string{"light", "dark", "system"}

type SettingsService struct {
	store store.Store

	mu      sync.RWMutex
	current Settings
}

func NewSettingsService(st store.Store) *SettingsService {
	return &SettingsService{store: st}
}

// InitAndGet loads persisted settings or initializes them from defaults on
// first run.
func (s *SettingsService) InitAndGet(ctx context.Context, defaults Settings) (Settings, error) {
	raw, err := s.store.Get(ctx, store.KeySettings)
	if err == nil {
		var settings Settings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return Settings{}, fmt.Errorf("decode settings: %w", err)
		}
		s.setCurrent(settings)
		return settings, nil
	}
	if err != store.ErrNotFound {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	slog.Info("No settings found, initializing from defaults")
	if defaults.Theme == "" {
		defaults.Theme = "system"
	}
	if err := s.persist(ctx, defaults); err != nil {
		return Settings{}, fmt.Errorf("save initial settings: %w", err)
	}
	s.setCurrent(defaults)
	return defaults, nil
}

// Get returns the current settings, refreshing from the store when possible
// and falling back to the cached copy on a read failure.
func (s *SettingsService) Get(ctx context.Context) Settings {
	raw, err := s.store.Get(ctx, store.KeySettings)
	if err == nil {
		var settings Settings
		if err := json.Unmarshal(raw, &settings); err == nil {
			s.setCurrent(settings)
			return settings
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save validates and persists new settings.
func (s *SettingsService) Save(ctx context.Context, settings Settings) error {
	if settings.MainModel == "" {
		return fmt.Errorf("%w: main model must not be empty", apperrors.ErrValidation)
	}
	if settings.SupportModel == "" {
		settings.SupportModel = settings.MainModel
	}
	if settings.Theme != "" && !slices.Contains(validThemes, settings.Theme) {
		return fmt.Errorf("%w: unknown theme %q", apperrors.ErrValidation, settings.Theme)
	}
	if err := s.persist(ctx, settings); err != nil {
		return err
	}
	s.setCurrent(settings)
	return nil
}

func (s *SettingsService) persist(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.store.Set(ctx, store.KeySettings, raw)
}

func (s *SettingsService) setCurrent(settings Settings) {
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
}
