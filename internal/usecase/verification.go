package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/repository"
	"github.com/example/facecheck/internal/verify"
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// UserStore is the user record collaborator.
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	FindByEmail(ctx context.Context, email string) (*repository.User, error)
	ReferencePhotoPath(ctx context.Context, userID string) (string, error)
}

// ImageSource decodes probes and reference photos and manages their files.
type ImageSource interface {
	Open(path string) (image.Image, error)
	Stage(data []byte) (string, func() error, error)
	OpenProbe(path string) (image.Image, error)
	SaveReference(data []byte) (string, error)
	RemoveReference(path string) error
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo           VerificationRepository
	users          UserStore
	images         ImageSource
	verifier       verify.Verifier
	cache          Cache
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	passwordCost   int
	now            func() time.Time
}

// Outcome is the answer to one compare request.
type Outcome struct {
	RequestID string
	UserID    string
	Result    verify.Result
	Latency   time.Duration
	CreatedAt time.Time
}

type cachedVerification struct {
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Strategy  string          `json:"strategy"`
	Score     float64         `json:"score"`
	Threshold float64         `json:"threshold"`
	Verified  bool            `json:"verified"`
	Details   json.RawMessage `json:"details"`
	Hash      string          `json:"sha1_hash"`
	LatencyMs int64           `json:"latency_ms"`
	CreatedAt time.Time       `json:"created_at"`
}

// DuplicateReport represents earlier attempts that reused a request's probe image.
type DuplicateReport struct {
	Request    *repository.VerificationLog
	Duplicates []*repository.VerificationLog
}

// Dependencies groups the collaborators of the use case.
type Dependencies struct {
	Repo      VerificationRepository
	Users     UserStore
	Images    ImageSource
	Verifier  verify.Verifier
	Cache     Cache
	Logger    *zap.Logger
	ResultTTL time.Duration
}

// NewVerificationUseCase constructs a new use case instance bound to one verifier.
func NewVerificationUseCase(deps Dependencies) *VerificationUseCase {
	ttl := deps.ResultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &VerificationUseCase{
		repo:           deps.Repo,
		users:          deps.Users,
		images:         deps.Images,
		verifier:       deps.Verifier,
		cache:          deps.Cache,
		logger:         deps.Logger.Named("verification_usecase"),
		resultTTL:      ttl,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		passwordCost:   bcrypt.DefaultCost,
		now:            time.Now,
	}
}

// Strategy reports the configured verifier strategy.
func (uc *VerificationUseCase) Strategy() verify.Strategy {
	return uc.verifier.Strategy()
}

// Compare verifies a probe image against the user's stored reference photo.
// The caller must already have authenticated userID.
func (uc *VerificationUseCase) Compare(ctx context.Context, userID string, probe []byte) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.compare", requestID).With(zap.String("user_id", userID))
	start := uc.now()

	refPath, err := uc.users.ReferencePhotoPath(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, logging.NewOperationError("usecase.resolve_reference", requestID, fmt.Errorf("%w: %v", verify.ErrUserNotFound, err))
		}
		opLogger.Error("failed to resolve reference photo", zap.Error(err))
		return nil, logging.NewOperationError("usecase.resolve_reference", requestID, err)
	}
	if len(probe) == 0 {
		return nil, logging.NewOperationError("usecase.decode_probe", requestID, fmt.Errorf("%w: no image provided", verify.ErrInvalidImage))
	}

	stagedPath, cleanup, err := uc.images.Stage(probe)
	if err != nil {
		opLogger.Error("failed to stage probe", zap.Error(err))
		return nil, logging.NewOperationError("usecase.stage_probe", requestID, err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			opLogger.Error("failed to remove staged probe", zap.Error(err))
		}
	}()

	probeImg, err := uc.images.OpenProbe(stagedPath)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_probe", requestID, err)
	}
	refImg, err := uc.images.Open(refPath)
	if err != nil {
		opLogger.Error("failed to load reference photo", zap.Error(err))
		return nil, logging.NewOperationError("usecase.load_reference", requestID, err)
	}

	result, err := uc.verifier.Verify(ctx, refImg, probeImg)
	if err != nil {
		opLogger.Info("verification rejected", zap.String("kind", string(verify.KindOf(err))), zap.Error(err))
		return nil, logging.NewOperationError("usecase.verify", requestID, err)
	}
	latency := uc.now().Sub(start)

	outcome := &Outcome{
		RequestID: requestID,
		UserID:    userID,
		Result:    result,
		Latency:   latency,
		CreatedAt: uc.now().UTC(),
	}
	if err := uc.record(ctx, outcome, probe); err != nil {
		opLogger.Error("failed to persist verification log",
			zap.String("failed_operation", logging.OperationOf(err)),
			zap.Error(err),
		)
		return nil, err
	}

	opLogger.Info("verification completed",
		zap.String("strategy", string(result.Strategy())),
		zap.Bool("verified", result.Passed()),
		zap.Float64("value", result.Value()),
		zap.Duration("latency", latency),
	)
	return outcome, nil
}

func (uc *VerificationUseCase) record(ctx context.Context, outcome *Outcome, probe []byte) error {
	hash := sha1.Sum(probe)
	details, err := json.Marshal(outcome.Result)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", outcome.RequestID, err)
	}

	log := &repository.VerificationLog{
		RequestID: outcome.RequestID,
		UserID:    outcome.UserID,
		Strategy:  string(outcome.Result.Strategy()),
		Score:     outcome.Result.Value(),
		Threshold: thresholdOf(outcome.Result),
		Verified:  outcome.Result.Passed(),
		Details:   string(details),
		SHA1Hash:  hex.EncodeToString(hash[:]),
		LatencyMs: outcome.Latency.Milliseconds(),
		CreatedAt: outcome.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		return logging.NewOperationError("usecase.save_log", outcome.RequestID, err)
	}

	cached := cachedVerification{
		RequestID: log.RequestID,
		UserID:    log.UserID,
		Strategy:  log.Strategy,
		Score:     log.Score,
		Threshold: log.Threshold,
		Verified:  log.Verified,
		Details:   details,
		Hash:      log.SHA1Hash,
		LatencyMs: log.LatencyMs,
		CreatedAt: log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		return logging.NewOperationError("usecase.encode_cache", outcome.RequestID, err)
	}
	// The log row is authoritative; a cache failure only costs a DB read later.
	if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(outcome.RequestID), string(serialized), uc.resultTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.compare", outcome.RequestID).Warn("failed to cache verification result", zap.Error(err))
	}
	return nil
}

func thresholdOf(r verify.Result) float64 {
	switch res := r.(type) {
	case *verify.EmbeddingResult:
		return res.Threshold
	case *verify.KeypointResult:
		return res.Threshold
	default:
		return 0
	}
}

// GetResult retrieves a cached verification outcome or loads from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.VerificationLog{
				RequestID: requestID,
				UserID:    payload.UserID,
				Strategy:  payload.Strategy,
				Score:     payload.Score,
				Threshold: payload.Threshold,
				Verified:  payload.Verified,
				Details:   string(payload.Details),
				SHA1Hash:  payload.Hash,
				LatencyMs: payload.LatencyMs,
				CreatedAt: payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport lists the user's other attempts that submitted the same probe bytes.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < max(uc.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !repository.IsTransientError(err) || attempt >= uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
