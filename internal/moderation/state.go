// Package moderation owns the process-wide moderation flags and sets. Bans
// and the pinned announcement are durable; mute, freeze, slow mode, and ghost
// state reset on restart.
package moderation

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pinnedAnnouncementKey = "pinned_announcement"

var errMissingDatabase = errors.New("moderation: database handle is required")

// NameBan is a durable display-name ban.
type NameBan struct {
	Name          string `gorm:"column:name;primaryKey;size:190;not null"`
	BannedAtMilli int64  `gorm:"column:banned_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NameBan) TableName() string {
	return "name_bans"
}

// AddressBan is a durable network-address ban.
type AddressBan struct {
	Address       string `gorm:"column:address;primaryKey;size:190;not null"`
	BannedAtMilli int64  `gorm:"column:banned_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AddressBan) TableName() string {
	return "address_bans"
}

// Setting is a durable key/value row used for the pinned announcement.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "room_settings"
}

// StateConfig describes the dependencies of the moderation state.
type StateConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	SlowMode time.Duration
}

// State is the singleton moderation aggregate. Every mutation is idempotent
// and independently toggleable.
type State struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	muted     map[chat.Identity]struct{}
	ghosts    map[string]struct{}
	nameBans  map[string]struct{}
	addrBans  map[string]struct{}
	frozen    bool
	slowMode  time.Duration
	pinned    string
	hasPinned bool
}

// NewState constructs the moderation state, loading durable bans and the
// pinned announcement. An unreadable store yields empty sets, not an error.
func NewState(cfg StateConfig) (*State, error) {
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

	state := &State{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		muted:    make(map[chat.Identity]struct{}),
		ghosts:   make(map[string]struct{}),
		nameBans: make(map[string]struct{}),
		addrBans: make(map[string]struct{}),
		slowMode: cfg.SlowMode,
	}
	state.loadDurable()
	return state, nil
}

func (s *State) loadDurable() {
	var nameBans []NameBan
	if err := s.db.Find(&nameBans).Error; err != nil {
		s.logger.Warn("name ban load failed, starting empty", zap.Error(err))
	} else {
		for _, ban := range nameBans {
			s.nameBans[ban.Name] = struct{}{}
		}
	}

	var addrBans []AddressBan
	if err := s.db.Find(&addrBans).Error; err != nil {
		s.logger.Warn("address ban load failed, starting empty", zap.Error(err))
	} else {
		for _, ban := range addrBans {
			s.addrBans[ban.Address] = struct{}{}
		}
	}

	var pinned Setting
	err := s.db.Where("key = ?", pinnedAnnouncementKey).Take(&pinned).Error
	if err == nil {
		s.pinned = pinned.Value
		s.hasPinned = true
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("pinned announcement load failed", zap.Error(err))
	}
}

// Mute adds the identity to the mute set.
func (s *State) Mute(identity chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[identity] = struct{}{}
}

// Unmute removes the identity from the mute set.
func (s *State) Unmute(identity chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.muted, identity)
}

// IsMuted reports whether the identity's chat messages are being dropped.
func (s *State) IsMuted(identity chat.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, muted := s.muted[identity]
	return muted
}

// Freeze blocks non-admin posting globally.
func (s *State) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Thaw lifts the global freeze.
func (s *State) Thaw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = false
}

// Frozen reports the global freeze flag.
func (s *State) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// SetSlowMode sets the global minimum interval between accepted messages per
// identity. Zero disables slow mode.
func (s *State) SetSlowMode(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slowMode = delay
}

// SlowMode returns the active slow-mode delay.
func (s *State) SlowMode() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowMode
}

// ToggleGhost flips the connection's exclusion from the presence count and
// reports the new ghost state.
func (s *State) ToggleGhost(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ghosted := s.ghosts[connID]; ghosted {
		delete(s.ghosts, connID)
		return false
	}
	s.ghosts[connID] = struct{}{}
	return true
}

// IsGhost reports whether the connection is hidden from the presence count.
func (s *State) IsGhost(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ghosted := s.ghosts[connID]
	return ghosted
}

// ClearGhost drops any ghost entry for a closed connection.
func (s *State) ClearGhost(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ghosts, connID)
}

// BanName adds a durable display-name ban.
func (s *State) BanName(identity chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := identity.String()
	if _, banned := s.nameBans[name]; banned {
		return
	}
	s.nameBans[name] = struct{}{}
	ban := NameBan{Name: name, BannedAtMilli: s.clock().UTC().UnixMilli()}
	if err := s.db.Create(&ban).Error; err != nil {
		s.logger.Error("name ban persist failed", zap.String("name", name), zap.Error(err))
	}
}

// BanAddress adds a durable network-address ban.
func (s *State) BanAddress(address string) {
	if address == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, banned := s.addrBans[address]; banned {
		return
	}
	s.addrBans[address] = struct{}{}
	ban := AddressBan{Address: address, BannedAtMilli: s.clock().UTC().UnixMilli()}
	if err := s.db.Create(&ban).Error; err != nil {
		s.logger.Error("address ban persist failed", zap.String("address", address), zap.Error(err))
	}
}

// IsNameBanned reports whether the display name is banned.
func (s *State) IsNameBanned(identity chat.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, banned := s.nameBans[identity.String()]
	return banned
}

// IsAddressBanned reports whether the network address is banned.
func (s *State) IsAddressBanned(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, banned := s.addrBans[address]
	return banned
}

// Pin sets the durable announcement banner.
func (s *State) Pin(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pinned = text
	s.hasPinned = true
	setting := Setting{Key: pinnedAnnouncementKey, Value: text}
	if err := s.db.Save(&setting).Error; err != nil {
		s.logger.Error("pinned announcement persist failed", zap.Error(err))
	}
}

// Unpin clears the announcement banner.
func (s *State) Unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pinned = ""
	s.hasPinned = false
	err := s.db.Where("key = ?", pinnedAnnouncementKey).Delete(&Setting{}).Error
	if err != nil {
		s.logger.Error("pinned announcement clear failed", zap.Error(err))
	}
}

// Pinned returns the announcement text and whether one is set.
func (s *State) Pinned() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned, s.hasPinned
}
