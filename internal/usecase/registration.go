package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/repository"
)

var (
	// ErrInvalidInput is returned for missing or malformed registration fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned when an email and password do not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// Register stores the reference photo and creates the user record. The photo
// is removed again if the record cannot be created.
func (uc *VerificationUseCase) Register(ctx context.Context, name, email, password string, photo []byte) (*repository.User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if password == "" || len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password must be 1 to %d bytes", ErrInvalidInput, maxPasswordBytes)
	}

	user := &repository.User{ID: uuid.NewString(), Name: name, Email: email}
	opLogger := logging.WithOperation(uc.logger, "usecase.register", user.ID)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), uc.passwordCost)
	if err != nil {
		return nil, logging.NewOperationError("usecase.hash_password", user.ID, err)
	}
	user.PasswordHash = string(hash)

	path, err := uc.images.SaveReference(photo)
	if err != nil {
		return nil, logging.NewOperationError("usecase.store_reference", user.ID, err)
	}
	user.PhotoPath = path

	if err := uc.users.Create(ctx, user); err != nil {
		if rmErr := uc.images.RemoveReference(path); rmErr != nil {
			opLogger.Error("failed to remove orphaned reference photo", zap.Error(rmErr))
		}
		if !errors.Is(err, repository.ErrEmailTaken) {
			opLogger.Error("failed to create user", zap.String("failed_operation", logging.OperationOf(err)), zap.Error(err))
		}
		return nil, err
	}

	opLogger.Info("user registered")
	return user, nil
}

// Login checks the password of the user registered under email.
func (uc *VerificationUseCase) Login(ctx context.Context, email, password string) (*repository.User, error) {
	user, err := uc.users.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
