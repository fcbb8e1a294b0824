// Package goroutine wraps the ants goroutine pool used to offload request processing.
package goroutine

import (
	"time"

	"github.com/panjf2000/ants/v2"
	"shpreactor/internal/logging"
)

const (
	// DefaultCleanIntervalTime is the interval time to clean up goroutines.
	DefaultCleanIntervalTime = time.Second
)

// Pool is the alias of ants.Pool.
type Pool = ants.Pool

// ErrPoolOverload is returned by Submit when every worker is busy.
var ErrPoolOverload = ants.ErrPoolOverload

// New instantiates a non-blocking *ants.Pool bounded to size workers: Submit fails fast with
// ErrPoolOverload instead of parking the caller, which is an event-loop.
func New(size int, logger logging.Logger) (*Pool, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	return ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(DefaultCleanIntervalTime),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("worker exits from a panic: %v", p)
		}),
	)
}
