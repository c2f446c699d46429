package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps token claims to stable collaborator profiles.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the collaborator profile for the validated claims, recording
// the identity on first sight and refreshing display fields afterwards.
func (s *Service) Resolve(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	displayName := normalize(claims.UserDisplayName)
	avatarURL := normalize(claims.UserAvatarURL)
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(Identity); ok && !profileChanged(identity, displayName, avatarURL) {
			return identity.profile(), nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: displayName,
			AvatarURL:   avatarURL,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if avatarURL != "" && avatarURL != identity.AvatarURL {
			updates["user_avatar_url"] = avatarURL
			identity.AvatarURL = avatarURL
		}
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity)
	return identity.profile(), nil
}

func profileChanged(identity Identity, displayName, avatarURL string) bool {
	return (displayName != "" && displayName != identity.DisplayName) ||
		(avatarURL != "" && avatarURL != identity.AvatarURL)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" || strings.Contains(subject, ":") {
			subject = raw
		}
	}
	return provider, subject
}

// ClaimsResolver derives profiles from the token alone. Used when no identity
// table is available.
type ClaimsResolver struct{}

// Resolve returns the profile carried by the claims.
func (ClaimsResolver) Resolve(claims auth.SessionClaims) (Profile, error) {
	_, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	return Identity{
		UserID:      subject,
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
	}.profile(), nil
}
