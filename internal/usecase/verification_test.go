package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/repository"
	"github.com/example/facecheck/internal/verify"
)

type stubRepository struct {
	savedLogs  []*repository.VerificationLog
	saveErr    error
	findLog    *repository.VerificationLog
	findErr    error
	findCalls  int
	duplicates []*repository.VerificationLog
	aggregate  *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VerificationLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregate, nil
}

type stubUsers struct {
	paths     map[string]string
	created   []*repository.User
	createErr error
}

func (s *stubUsers) Create(ctx context.Context, user *repository.User) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, user)
	return nil
}

func (s *stubUsers) FindByEmail(ctx context.Context, email string) (*repository.User, error) {
	for _, u := range s.created {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, logging.NewOperationError("repository.find_user_by_email", "", repository.ErrNotFound)
}

func (s *stubUsers) ReferencePhotoPath(ctx context.Context, userID string) (string, error) {
	if p, ok := s.paths[userID]; ok {
		return p, nil
	}
	return "", logging.NewOperationError("repository.find_user", userID, repository.ErrNotFound)
}

type stubImages struct {
	decodeErr    error
	openErr      error
	decodeCalls  int
	openCalls    int
	stageCalls   int
	cleanupCalls int
	stagedPath   string
	probePaths   []string
	saved        []string
	removed      []string
}

func (s *stubImages) Decode(data []byte) (image.Image, error) {
	s.decodeCalls++
	if s.decodeErr != nil {
		return nil, s.decodeErr
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *stubImages) Open(path string) (image.Image, error) {
	s.openCalls++
	if s.openErr != nil {
		return nil, s.openErr
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *stubImages) OpenProbe(path string) (image.Image, error) {
	s.probePaths = append(s.probePaths, path)
	return s.Decode(nil)
}

func (s *stubImages) Stage(data []byte) (string, func() error, error) {
	s.stageCalls++
	s.stagedPath = fmt.Sprintf("uploads/probe-%d", s.stageCalls)
	return s.stagedPath, func() error {
		s.cleanupCalls++
		return nil
	}, nil
}

func (s *stubImages) SaveReference(data []byte) (string, error) {
	if s.decodeErr != nil {
		return "", s.decodeErr
	}
	path := fmt.Sprintf("references/%d.png", len(s.saved))
	s.saved = append(s.saved, path)
	return path, nil
}

func (s *stubImages) RemoveReference(path string) error {
	s.removed = append(s.removed, path)
	return nil
}

type stubVerifier struct {
	result verify.Result
	err    error
	calls  int
}

func (s *stubVerifier) Strategy() verify.Strategy { return verify.StrategyKeypoint }

func (s *stubVerifier) Verify(ctx context.Context, reference, probe image.Image) (verify.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

type fixture struct {
	repo     *stubRepository
	users    *stubUsers
	images   *stubImages
	verifier *stubVerifier
	cache    *stubCache
	uc       *VerificationUseCase
}

func newFixture() *fixture {
	f := &fixture{
		repo:   &stubRepository{},
		users:  &stubUsers{paths: map[string]string{"user-1": "references/user-1.png"}},
		images: &stubImages{},
		verifier: &stubVerifier{result: &verify.KeypointResult{
			GoodMatchCount: 30, Baseline: 100, Score: 0.3, Verified: true, Threshold: 0.1, LoweRatio: 0.7,
		}},
		cache: &stubCache{},
	}
	f.uc = NewVerificationUseCase(Dependencies{
		Repo:     f.repo,
		Users:    f.users,
		Images:   f.images,
		Verifier: f.verifier,
		Cache:    f.cache,
		Logger:   zap.NewNop(),
	})
	f.uc.initialBackoff = time.Millisecond
	f.uc.passwordCost = bcrypt.MinCost
	return f
}

func TestCompareSuccessPersistsAndCaches(t *testing.T) {
	f := newFixture()

	outcome, err := f.uc.Compare(context.Background(), "user-1", []byte("probe"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !outcome.Result.Passed() || outcome.RequestID == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(f.repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(f.repo.savedLogs))
	}
	log := f.repo.savedLogs[0]
	if log.Strategy != "keypoint" || log.Score != 0.3 || log.Threshold != 0.1 || !log.Verified {
		t.Fatalf("unexpected log: %+v", log)
	}
	if len(log.SHA1Hash) != 40 {
		t.Fatalf("expected sha1 hex digest, got %q", log.SHA1Hash)
	}
	if len(f.cache.setKeys) != 1 || f.cache.setKeys[0] != "verification:"+outcome.RequestID {
		t.Fatalf("unexpected cache writes: %v", f.cache.setKeys)
	}
	if f.images.cleanupCalls != 1 {
		t.Fatalf("expected probe cleanup, got %d calls", f.images.cleanupCalls)
	}
}

func TestCompareUnknownUserSkipsDecodeAndInference(t *testing.T) {
	f := newFixture()

	_, err := f.uc.Compare(context.Background(), "ghost", []byte("probe"))
	if !errors.Is(err, verify.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if f.images.decodeCalls != 0 || f.images.stageCalls != 0 || f.verifier.calls != 0 {
		t.Fatalf("expected no decode, staging or inference, got decode=%d stage=%d verify=%d",
			f.images.decodeCalls, f.images.stageCalls, f.verifier.calls)
	}
}

func TestCompareEmptyProbeIsInvalidImage(t *testing.T) {
	f := newFixture()

	_, err := f.uc.Compare(context.Background(), "user-1", nil)
	if verify.KindOf(err) != verify.KindInvalidImage {
		t.Fatalf("expected invalid image, got %v", err)
	}
	if f.verifier.calls != 0 {
		t.Fatal("expected verifier not to run")
	}
}

func TestCompareCleansUpProbeOnEveryPath(t *testing.T) {
	cases := map[string]func(*fixture){
		"decode failure":   func(f *fixture) { f.images.decodeErr = fmt.Errorf("%w: garbage", verify.ErrInvalidImage) },
		"reference error":  func(f *fixture) { f.images.openErr = errors.New("disk gone") },
		"verifier failure": func(f *fixture) { f.verifier.err = verify.ErrFaceNotDetected },
		"save failure":     func(f *fixture) { f.repo.saveErr = errors.New("db down") },
		"success":          func(f *fixture) {},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			setup(f)

			_, _ = f.uc.Compare(context.Background(), "user-1", []byte("probe"))
			if f.images.stageCalls != 1 || f.images.cleanupCalls != 1 {
				t.Fatalf("expected one stage and one cleanup, got %d and %d", f.images.stageCalls, f.images.cleanupCalls)
			}
		})
	}
}

func TestCompareDecodesStagedProbe(t *testing.T) {
	f := newFixture()

	if _, err := f.uc.Compare(context.Background(), "user-1", []byte("probe")); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.images.probePaths) != 1 || f.images.probePaths[0] != f.images.stagedPath {
		t.Fatalf("expected staged file %q to be decoded, got %v", f.images.stagedPath, f.images.probePaths)
	}
}

func TestCompareLogsFailedOperationOnSaveError(t *testing.T) {
	f := newFixture()
	f.repo.saveErr = errors.New("db down")
	core, logs := observer.New(zap.ErrorLevel)
	f.uc.logger = zap.New(core)

	if _, err := f.uc.Compare(context.Background(), "user-1", []byte("probe")); err == nil {
		t.Fatal("expected save failure to surface")
	}
	entries := logs.FilterMessage("failed to persist verification log").All()
	if len(entries) != 1 {
		t.Fatalf("expected one persist failure entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["failed_operation"]; got != "usecase.save_log" {
		t.Fatalf("expected failed_operation usecase.save_log, got %v", got)
	}
}

func TestCompareSurfacesVerifierErrorKind(t *testing.T) {
	f := newFixture()
	f.verifier.err = fmt.Errorf("probe: %w", verify.ErrFaceNotDetected)

	_, err := f.uc.Compare(context.Background(), "user-1", []byte("probe"))
	if verify.KindOf(err) != verify.KindFaceNotDetected {
		t.Fatalf("expected face not detected, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.verify" {
		t.Fatalf("expected usecase.verify OperationError, got %v", err)
	}
	if len(f.repo.savedLogs) != 0 {
		t.Fatal("expected no log for a rejected verification")
	}
}

func TestCompareRetriesRedisSet(t *testing.T) {
	f := newFixture()
	f.cache.setErrs = []error{transientRedisError{}}

	if _, err := f.uc.Compare(context.Background(), "user-1", []byte("probe")); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.cache.setKeys) != 2 {
		t.Fatalf("expected 2 cache set calls, got %d", len(f.cache.setKeys))
	}
	if f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", f.cache.setKeys[0], f.cache.setKeys[1])
	}
}

func TestCompareSucceedsWhenCacheFails(t *testing.T) {
	f := newFixture()
	f.cache.setErrs = []error{errors.New("boom")}

	outcome, err := f.uc.Compare(context.Background(), "user-1", []byte("probe"))
	if err != nil {
		t.Fatalf("expected success despite cache failure, got %v", err)
	}
	if outcome == nil || len(f.repo.savedLogs) != 1 {
		t.Fatal("expected outcome and persisted log")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	f := newFixture()
	f.cache.getErrs = []error{ErrCacheMiss}
	expected := &repository.VerificationLog{RequestID: "req", UserID: "user", Details: "from-db"}
	f.repo.findLog = expected

	log, err := f.uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if f.repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", f.repo.findCalls)
	}
	if len(f.cache.getKeys) != 1 {
		t.Fatalf("expected a cache miss not to be retried, got %d reads", len(f.cache.getKeys))
	}
}

func TestGetResultServesOwnersCacheOnly(t *testing.T) {
	payload, err := json.Marshal(cachedVerification{RequestID: "req", UserID: "owner", Strategy: "embedding", Score: 0.12, Verified: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	f := newFixture()
	f.cache.getValues = []string{string(payload)}
	log, err := f.uc.GetResult(context.Background(), "owner", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.Strategy != "embedding" || log.Score != 0.12 || f.repo.findCalls != 0 {
		t.Fatalf("expected cached result, got %+v (find calls %d)", log, f.repo.findCalls)
	}

	f = newFixture()
	f.cache.getValues = []string{string(payload)}
	if _, err := f.uc.GetResult(context.Background(), "intruder", "req"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	f := newFixture()
	f.repo.findLog = &repository.VerificationLog{RequestID: "req", UserID: "user-1", SHA1Hash: "abc"}
	f.repo.duplicates = []*repository.VerificationLog{{RequestID: "older", SHA1Hash: "abc"}}

	report, err := f.uc.GetDuplicateReport(context.Background(), "user-1", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if report.Request.RequestID != "req" || len(report.Duplicates) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture()
	f.repo.aggregate = &repository.MetricsAggregation{TotalCount: 4, VerifiedCount: 3, AverageScore: 0.4, AverageProcessingLatencyMs: 120}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.VerifiedRate != 0.75 || summary.Strategy != "keypoint" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
