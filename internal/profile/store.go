// Package profile holds the durable per-identity profile records.
package profile

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultColor    = "#6366F1"
	defaultBio      = "Just joined"
	defaultLocation = "Unknown"
)

var errMissingDatabase = errors.New("profile: database handle is required")

// Profile is the durable record for one identity. Profiles are created on
// first join and never deleted.
type Profile struct {
	Name          string `gorm:"column:name;primaryKey;size:190;not null" json:"name"`
	Avatar        string `gorm:"column:avatar;type:text;not null;default:''" json:"avatar,omitempty"`
	Color         string `gorm:"column:color;size:16;not null" json:"color"`
	Bio           string `gorm:"column:bio;type:text;not null" json:"bio"`
	Location      string `gorm:"column:location;size:190;not null" json:"location"`
	JoinedAtMilli int64  `gorm:"column:joined_at_ms;not null" json:"joined_at_ms"`
	Online        bool   `gorm:"-" json:"online"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// Patch is a partial profile update. Nil fields are left untouched.
type Patch struct {
	Avatar   *string `json:"avatar"`
	Color    *string `json:"color"`
	Bio      *string `json:"bio"`
	Location *string `json:"location"`
}

// StoreConfig describes the dependencies of the profile store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store serves profile reads from an in-memory cache kept in sync with every
// durable write.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*Profile
}

// NewStore constructs the profile store and warms the cache. An unreadable
// store yields an empty cache, not an error.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		cache:  make(map[string]*Profile),
	}

	var records []Profile
	if err := cfg.Database.Find(&records).Error; err != nil {
		logger.Warn("profile store load failed, starting empty", zap.Error(err))
		return store, nil
	}
	for i := range records {
		record := records[i]
		store.cache[record.Name] = &record
	}
	return store, nil
}

// Ensure returns the profile for the identity, creating it with defaults on
// first join.
func (s *Store) Ensure(identity chat.Identity) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := identity.String()
	if existing, ok := s.cache[name]; ok {
		return cloneProfile(existing)
	}

	created := &Profile{
		Name:          name,
		Color:         defaultColor,
		Bio:           defaultBio,
		Location:      defaultLocation,
		JoinedAtMilli: s.clock().UTC().UnixMilli(),
	}
	s.cache[name] = created
	if err := s.db.Create(created).Error; err != nil {
		s.logger.Error("profile persist failed", zap.String("name", name), zap.Error(err))
	}
	return cloneProfile(created)
}

// Get returns the profile for the identity, or nil when none exists.
func (s *Store) Get(identity chat.Identity) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cache[identity.String()]
	if !ok {
		return nil
	}
	return cloneProfile(existing)
}

// Apply merges a partial update into the identity's profile and rewrites the
// durable row. Returns nil when the identity has no profile.
func (s *Store) Apply(identity chat.Identity, patch Patch) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cache[identity.String()]
	if !ok {
		return nil
	}

	if patch.Avatar != nil {
		existing.Avatar = *patch.Avatar
	}
	if patch.Color != nil {
		existing.Color = *patch.Color
	}
	if patch.Bio != nil {
		existing.Bio = *patch.Bio
	}
	if patch.Location != nil {
		existing.Location = *patch.Location
	}

	if err := s.db.Save(existing).Error; err != nil {
		s.logger.Error("profile update persist failed",
			zap.String("name", existing.Name), zap.Error(err))
	}
	return cloneProfile(existing)
}

func cloneProfile(p *Profile) *Profile {
	clone := *p
	return &clone
}
