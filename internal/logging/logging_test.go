package logging

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOperationErrorUnwrapsSentinel(t *testing.T) {
	sentinel := errors.New("face not detected")
	err := NewOperationError("usecase.verify", "req-1", sentinel)

	if !errors.Is(err, sentinel) {
		t.Fatal("expected sentinel to be reachable through OperationError")
	}
	if err.Error() != "usecase.verify (request_id=req-1): face not detected" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if NewOperationError("op", "", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestOperationOfReturnsInnermost(t *testing.T) {
	inner := NewOperationError("repository.find_user", "", errors.New("boom"))
	outer := NewOperationError("usecase.compare", "req", inner)

	if got := OperationOf(outer); got != "repository.find_user" {
		t.Fatalf("expected innermost operation, got %q", got)
	}
	if got := OperationOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty operation, got %q", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLoggerWithFileSink(t *testing.T) {
	logger, err := NewLogger(Options{Level: "debug", File: filepath.Join(t.TempDir(), "facecheck.log")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()
}
