package preset

import (
	"errors"
	"fmt"
	"time"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
)

var (
	ErrInvalidBatch          = errors.New("invalid batch: targets, values and calldatas must be non-empty and the same length")
	ErrSponsorNotConfigured  = errors.New("sponsored operation requested but no sponsor address is configured")
	ErrSenderNotDeployed     = errors.New("explicit sender is not deployed and is not the factory address of the owner")
	ErrGasEstimationFailed   = errors.New("gas estimation failed")
	ErrSigningFailed         = errors.New("signing failed")
	ErrReceiptTimeout        = errors.New("timed out waiting for operation receipt")
	ErrDirectExecutionFailed = errors.New("direct execution failed")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageBuild    Stage = "build"
	StageEstimate Stage = "estimate"
	StageSign     Stage = "sign"
	StageSubmit   Stage = "submit"
	StagePoll     Stage = "poll"
	StageFallback Stage = "fallback"
)

// StageError is what the Relayer returns for any failure.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	var all *bundler.AllEndpointsFailedError
	if e.Stage == StageSubmit && errors.As(e.Err, &all) {
		if last := all.Last(); last != nil {
			return fmt.Sprintf("%s: all %d bundler endpoints failed, last reason from %s: %v", e.Stage, len(all.Attempts), last.Endpoint, last.Err)
		}
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" when err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ReceiptTimeoutError is returned once the watcher's deadline passes without a receipt. The
// operation may still be included later.
type ReceiptTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *ReceiptTimeoutError) Error() string {
	msg := fmt.Sprintf("no receipt after %d attempts in %s", e.Attempts, e.Elapsed)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

func (e *ReceiptTimeoutError) Is(target error) bool {
	return target == ErrReceiptTimeout
}

func (e *ReceiptTimeoutError) Unwrap() error { return e.LastErr }
