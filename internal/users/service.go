// Package users mirrors tracking-service identities into local user rows so
// notes and attachments can reference their owners relationally.
package users

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ponolab/pono/backend/internal/draftnotes"
	"github.com/ponolab/pono/backend/internal/tracking"
)

// ServiceConfig describes the dependencies required for user mirroring.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the local users table in sync with the tracking service. The
// in-process cache suppresses repeat writes for identities already mirrored
// this session.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the mirroring service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// EnsureUser upserts the local row for a tracking-service identity and
// returns its id. The tracking-service id is the primary key, so repeat
// logins update the mirrored name fields in place.
func (s *Service) EnsureUser(info tracking.UserInfo) (int64, error) {
	if info.ID == 0 {
		return 0, fmt.Errorf("users: identity has no id")
	}

	login := strings.TrimSpace(info.Login)
	username := strings.TrimSpace(info.Name)
	cacheKey := fmt.Sprintf("%d:%s:%s", info.ID, login, username)
	if _, ok := s.cache.Load(cacheKey); ok {
		return info.ID, nil
	}

	row := draftnotes.User{
		ID:       info.ID,
		Username: username,
		Login:    login,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "login"}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}

	s.cache.Store(cacheKey, s.now())
	return info.ID, nil
}
