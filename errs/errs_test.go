package errs

import (
	"errors"
	"testing"
)

func TestErrorMessagesIncludeSubjectAndIteration(tst *testing.T) {
	e := ForSubject(SubjectIntegrationFailure, 42, 7, "persistent failure")
	want := "SubjectIntegrationFailure: subject 42, iteration 7: persistent failure"
	if e.Error() != want {
		tst.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	global := New(DataValidation, "missing column")
	if global.Error() != "DataValidation: missing column" {
		tst.Errorf("Error() = %q, want taxonomy without subject/iteration", global.Error())
	}
}

func TestWrapPreservesCauseForErrorsAs(tst *testing.T) {
	cause := errors.New("underlying cholesky failure")
	wrapped := Wrap(NumericalBreakdown, "cannot invert Omega", cause)

	var target *Error
	if !errors.As(wrapped, &target) {
		tst.Fatal("errors.As failed to recover *Error")
	}
	if target.Kind != NumericalBreakdown {
		tst.Errorf("Kind = %v, want NumericalBreakdown", target.Kind)
	}
	if !errors.Is(wrapped, cause) {
		tst.Error("errors.Is failed to find wrapped cause")
	}
}
