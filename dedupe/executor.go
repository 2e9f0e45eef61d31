package dedupe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

// DefaultMaxRequest is the largest range submitted in one call. btrfs
// caps a single dedupe at 16 MiB and reports the rest as not deduplicated.
const DefaultMaxRequest = 16 * 1024 * 1024

// Mode selects whether regions are acted on.
type Mode int

const (
	// ModeSimulate reports regions without touching the filesystem
	ModeSimulate Mode = iota
	// ModeExecute submits regions to the dedupe primitive
	ModeExecute
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSimulate:
		return "simulate"
	case ModeExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Deduper is the filesystem range-dedupe primitive.
type Deduper interface {
	// Probe fails with fsops.ErrNotSupported when the filesystem holding f
	// cannot deduplicate.
	Probe(f *os.File) error
	// Dedupe shares [srcOffset, srcOffset+length) of src with each target
	// after the filesystem verifies the data is identical.
	Dedupe(src *os.File, srcOffset, length int64, targets []fsops.DedupeTarget) ([]fsops.DedupeResult, error)
}

// KernelDeduper issues FIDEDUPERANGE.
type KernelDeduper struct{}

// Probe issues a zero-length dedupe of f onto itself.
func (KernelDeduper) Probe(f *os.File) error {
	return fsops.ProbeDedupe(f)
}

// Dedupe issues one FIDEDUPERANGE call with src as the source descriptor.
func (KernelDeduper) Dedupe(src *os.File, srcOffset, length int64, targets []fsops.DedupeTarget) ([]fsops.DedupeResult, error) {
	return fsops.DedupeRange(src, srcOffset, length, targets)
}

// Outcome is the result of acting on one region. Callers must branch on
// State and Deduped, not on whether an error was returned: a region the
// filesystem declined is a normal outcome.
type Outcome struct {
	Region Region
	State  State
	// Reason is set for StateRejected
	Reason RejectReason
	// Deduped is the length of the shared prefix
	Deduped int64
	// Status and Errno describe the call that ended the region
	Status fsops.DedupeStatus
	Errno  syscall.Errno
	Calls  int
}

// Executor submits accepted regions to the filesystem, or in simulate mode
// only reports them.
type Executor struct {
	files      *FileTable
	deduper    Deduper
	mode       Mode
	maxRequest int64
}

// NewExecutor creates an executor. maxRequest is rounded down to a block
// multiple; zero selects DefaultMaxRequest.
func NewExecutor(files *FileTable, deduper Deduper, mode Mode, maxRequest int64) *Executor {
	maxRequest = maxRequest / BlockSize * BlockSize
	if maxRequest <= 0 {
		maxRequest = DefaultMaxRequest
	}
	if deduper == nil {
		deduper = KernelDeduper{}
	}
	return &Executor{files: files, deduper: deduper, mode: mode, maxRequest: maxRequest}
}

// Probe checks once that the filesystem holding id supports deduplication.
// Simulate mode never calls the primitive and skips the check.
func (e *Executor) Probe(id FileID) error {
	if e.mode != ModeExecute {
		return nil
	}
	f, err := e.files.Handle(id)
	if err != nil {
		return err
	}
	if err := e.deduper.Probe(f); err != nil {
		return &FileError{Op: "probe dedupe support on", Path: e.files.Path(id), Err: fsops.ClassifyDedupeErr(err)}
	}
	return nil
}

// Execute acts on r. Regions failing the length, alignment or overlap
// policy are rejected without a call. In execute mode the region is
// submitted in chunks of at most maxRequest bytes; the first chunk that is
// short, differs or is declined ends the region and the remainder is left
// as is. A non-nil error means the run must abort.
func (e *Executor) Execute(ctx context.Context, r Region) (Outcome, error) {
	out := Outcome{Region: r}
	if reason := r.Validate(e.files.Size(r.Src.File), e.files.Size(r.Dst.File)); reason != ReasonNone {
		out.State = StateRejected
		out.Reason = reason
		return out, nil
	}
	if e.mode == ModeSimulate {
		out.State = StateAccepted
		return out, nil
	}

	for out.Deduped < r.Length {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n := r.Length - out.Deduped
		if n > e.maxRequest {
			n = e.maxRequest
		}

		// the table keeps at least two handles open, so fetching dst
		// cannot close src
		src, err := e.files.Handle(r.Src.File)
		if err != nil {
			return out, err
		}
		dst, err := e.files.Handle(r.Dst.File)
		if err != nil {
			return out, err
		}

		out.Calls++
		results, err := e.deduper.Dedupe(src, r.Src.Offset+out.Deduped, n,
			[]fsops.DedupeTarget{{File: dst, Offset: r.Dst.Offset + out.Deduped}})
		if err != nil {
			var errno syscall.Errno
			if errors.As(err, &errno) && !fatalErrno(errno) {
				out.Status = fsops.StatusError
				out.Errno = errno
				break
			}
			return out, &FileError{Op: "dedupe into", Path: e.files.Path(r.Dst.File), Err: fsops.ClassifyDedupeErr(err)}
		}
		if len(results) != 1 {
			return out, &FileError{Op: "dedupe into", Path: e.files.Path(r.Dst.File),
				Err: fmt.Errorf("%d results for 1 destination", len(results))}
		}

		res := results[0]
		out.Status = res.Status
		if res.Status == fsops.StatusError {
			if fatalErrno(res.Errno) {
				// the first region on a filesystem that accepted the
				// empty probe can still report EOPNOTSUPP here
				return out, &FileError{Op: "dedupe into", Path: e.files.Path(r.Dst.File), Err: fsops.ClassifyDedupeErr(res.Errno)}
			}
			out.Errno = res.Errno
			break
		}
		if res.Status == fsops.StatusDiffers {
			break
		}
		done := res.BytesDeduped
		if done > n {
			done = n
		}
		out.Deduped += done
		if done < n {
			break
		}
	}

	switch {
	case out.Deduped == r.Length:
		out.State = StateDeduplicated
	case out.Deduped > 0:
		out.State = StatePartial
	default:
		out.State = StateFailed
	}
	return out, nil
}

// fatalErrno reports whether an error from the primitive means the storage
// or the file set can no longer be trusted. Everything else only fails the
// region at hand.
func fatalErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.EIO, syscall.EXDEV, syscall.EBADF, syscall.EROFS, syscall.ENOTTY, syscall.EOPNOTSUPP:
		return true
	}
	return false
}
