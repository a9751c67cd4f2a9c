package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrStorage("writing report").WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatStorage, Code: CodeStorageIO}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
	if got := err.Error(); got != "[storage] STORAGE_IO: writing report (disk full)" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := ErrTransport(CodeSendFailed, "upload rejected")
	err.WithDetail("status", 502)
	if err.Details == nil || err.Details["status"] != 502 {
		t.Fatalf("expected details to be set")
	}
}

func TestErrTooManyReports(t *testing.T) {
	err := fmt.Errorf("creating report: %w", ErrTooManyReports(5))

	if !errors.Is(err, ErrTooManyReportsTarget) {
		t.Fatalf("expected wrapped error to match the capacity sentinel")
	}
	if !IsRetryable(err) {
		t.Fatalf("capacity errors are retryable")
	}
	if GetCategory(err) != ErrCatCapacity {
		t.Fatalf("expected capacity category, got %s", GetCategory(err))
	}

	var domErr *DomainError
	if !errors.As(err, &domErr) || domErr.Details["max_queued_reports"] != 5 {
		t.Fatalf("expected max detail to be recorded")
	}
}

func TestErrLocked(t *testing.T) {
	err := ErrLocked("Exception_1.zip")
	if !errors.Is(err, ErrLockedTarget) {
		t.Fatalf("expected locked sentinel match")
	}
	if errors.Is(err, ErrTooManyReportsTarget) {
		t.Fatalf("locked must not match capacity")
	}
}

func TestErrorFactories(t *testing.T) {
	if ErrValidation("C", "m").Retryable {
		t.Fatalf("validation should not be retryable")
	}
	if ErrArchiveCorrupt("m").Retryable {
		t.Fatalf("archive corruption should not be retryable")
	}
	if ErrCapture("m").Retryable {
		t.Fatalf("capture should not be retryable")
	}
	if !ErrStorage("m").Retryable {
		t.Fatalf("storage should be retryable")
	}
	if ErrNotFound("report", "x").Category != ErrCatNotFound {
		t.Fatalf("expected not_found category")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	if !IsCategory(ErrArchiveCorrupt("m"), ErrCatArchive) {
		t.Fatalf("expected category match")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}
