package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facecheck/internal/logging"
)

// ErrEmailTaken is returned when registering an email that already exists.
var ErrEmailTaken = errors.New("email already registered")

// User is a registered account with its reference photo. PasswordHash holds
// a bcrypt hash.
type User struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Name         string    `gorm:"column:name;not null"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null" json:"-"`
	PhotoPath    string    `gorm:"column:photo_path;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// UserRepository stores user records. The database must be opened with
// TranslateError so duplicate keys surface as gorm.ErrDuplicatedKey.
type UserRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retryPolicy
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger.Named("user_repository"),
		policy: retryPolicy{attempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second},
	}
}

// Create inserts a user. The INSERT is never retried; a timed-out insert may
// already have committed.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	return r.insertOnce(ctx, "repository.create_user", user.ID, func() error {
		err := r.db.WithContext(ctx).Create(user).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return err
	})
}

func (r *UserRepository) insertOnce(ctx context.Context, operation, requestID string, fn func() error) error {
	return withRetry(ctx, r.logger, retryPolicy{attempts: 1}, operation, requestID, fn)
}

// ReferencePhotoPath returns the stored reference photo path for userID.
// A missing user yields an error wrapping ErrNotFound.
func (r *UserRepository) ReferencePhotoPath(ctx context.Context, userID string) (string, error) {
	var user User
	err := withRetry(ctx, r.logger, r.policy, "repository.find_user", userID, func() error {
		return translate(r.db.WithContext(ctx).Select("id", "photo_path").First(&user, "id = ?", userID).Error)
	})
	if err != nil {
		return "", err
	}
	if user.PhotoPath == "" {
		return "", logging.NewOperationError("repository.find_user", userID, ErrNotFound)
	}
	return user.PhotoPath, nil
}

// FindByEmail returns the user registered under email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := withRetry(ctx, r.logger, r.policy, "repository.find_user_by_email", "", func() error {
		return translate(r.db.WithContext(ctx).First(&user, "email = ?", email).Error)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
