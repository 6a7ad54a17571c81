// Package cos provides common low-level types and utilities shared by the
// cluster synchronization core.
package cos

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"

	"github.com/ivs-cluster/clustersync/cmn/debug"
	"github.com/ivs-cluster/clustersync/cmn/nlog"
)

type (
	// a back-end that could not be constructed (device open failure, mode not
	// compiled in); the caller decides whether to fall back to Stream or abort
	ErrBackendUnavailable struct {
		mode string
		why  string
	}

	// divergence between master and a slave: frame number or heartbeat
	// mismatch. Always fatal on the detecting node.
	ErrDivergence struct {
		Kind   string // "frame" or "heartbeat"
		Rank   int    // detecting node's rank
		Local  uint32
		Remote uint32
	}

	Errs struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

func NewErrBackendUnavailable(mode, why string) *ErrBackendUnavailable {
	return &ErrBackendUnavailable{mode: mode, why: why}
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("sync mode %q unavailable: %s", e.mode, e.why)
}

func IsErrBackendUnavailable(err error) bool {
	var e *ErrBackendUnavailable
	return errors.As(err, &e)
}

func (e *ErrDivergence) Error() string {
	return fmt.Sprintf("%s divergence detected at rank %d: local=%d remote=%d",
		e.Kind, e.Rank, e.Local, e.Remote)
}

//
// Errs
//

const maxErrs = 4

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

// Err joins the distinct errors added so far (Add keeps at most maxErrs of
// them), or nil if none were.
func (e *Errs) Err() error {
	_, err := e.JoinErr()
	return err
}

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() (s string) {
	var (
		err error
		cnt = e.Cnt()
	)
	if cnt == 0 {
		return
	}
	e.mu.Lock()
	if cnt = len(e.errs); cnt > 0 {
		err = e.errs[0]
	}
	e.mu.Unlock()
	if err == nil {
		return
	}
	if cnt > 1 {
		err = fmt.Errorf("%v (and %d more error(s))", err, cnt-1)
	}
	s = err.Error()
	return
}

//
// abnormal termination
//
// Exit codes, per SPEC_FULL.md §9 (a): fatal paths use a nonzero status so
// the caller (shell, supervisor) can distinguish a controlled abort from a
// clean shutdown. This corrects the original design's exit(0)-on-any-failure
// behavior, which made every fatal path indistinguishable from success.

const (
	ExitIOError    = 1
	ExitDivergence = 2
	fatalPrefix    = "FATAL: "
)

// overridable by tests
var exitFn = os.Exit

// SetExitFn overrides the hook ExitIO and ExitDiverged call instead of
// os.Exit, returning a function that restores the previous one. It exists
// so a test, in this package or any other, can observe a fatal abort
// without killing the test binary.
func SetExitFn(f func(code int)) (restore func()) {
	prev := exitFn
	exitFn = f
	return func() { exitFn = prev }
}

// ExitIO reports a fatal transport I/O error and terminates with ExitIOError.
func ExitIO(err error) {
	msg := fatalPrefix + err.Error()
	logAndFlush(msg)
	exitFn(ExitIOError)
}

// ExitDiverged reports a fatal divergence and terminates with ExitDivergence.
func ExitDiverged(err *ErrDivergence) {
	msg := fatalPrefix + err.Error()
	logAndFlush(msg)
	exitFn(ExitDivergence)
}

func logAndFlush(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	if flag.Parsed() {
		nlog.ErrorDepth(1, msg)
		nlog.Flush(true)
	}
}
