package cos

import (
	"errors"
	"testing"
)

func TestErrsDedup(t *testing.T) {
	var errs Errs
	errs.Add(errors.New("boom"))
	errs.Add(errors.New("boom"))
	errs.Add(errors.New("bang"))
	if errs.Cnt() != 2 {
		t.Fatalf("Cnt() = %d, want 2 (duplicate should be suppressed)", errs.Cnt())
	}
	if err := errs.Err(); err == nil {
		t.Fatal("Err() = nil, want a joined error")
	}
}

func TestErrsEmpty(t *testing.T) {
	var errs Errs
	if err := errs.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil on an empty Errs", err)
	}
}

func TestExitDivergedCode(t *testing.T) {
	var gotCode int
	orig := exitFn
	exitFn = func(code int) { gotCode = code }
	defer func() { exitFn = orig }()

	ExitDiverged(&ErrDivergence{Kind: "frame", Rank: 1, Local: 5, Remote: 6})
	if gotCode != ExitDivergence {
		t.Fatalf("exit code = %d, want %d", gotCode, ExitDivergence)
	}
}

func TestExitIOCode(t *testing.T) {
	var gotCode int
	orig := exitFn
	exitFn = func(code int) { gotCode = code }
	defer func() { exitFn = orig }()

	ExitIO(errors.New("disk on fire"))
	if gotCode != ExitIOError {
		t.Fatalf("exit code = %d, want %d", gotCode, ExitIOError)
	}
}
