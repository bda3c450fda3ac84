package sys

import (
	"fmt"
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/automaxprocs/maxprocs"
	"os"
	"runtime"
	"sync"
)

// DefaultMemLimitRatio is the share of the container or system memory the Go
// runtime is allowed to use before the garbage collector works harder.
const DefaultMemLimitRatio = 0.9

var log = logger.GetLogger("sys")

// --------------------------------------------------------------------------
// Probes
// --------------------------------------------------------------------------

// Parallelism returns the number of goroutines that can execute simultaneously,
// which is GOMAXPROCS after ApplyRuntimeLimits adjusted it to the CPU quota.
// The result is never smaller than 1.
func Parallelism() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

// CoreCount returns the number of logical CPUs usable by the process.
// Unlike Parallelism it ignores container CPU quotas.
func CoreCount() int {
	return runtime.NumCPU()
}

// PageSize returns the memory page size of the system.
func PageSize() int {
	return os.Getpagesize()
}

// --------------------------------------------------------------------------
// Runtime limits
// --------------------------------------------------------------------------

// Limits describes the runtime limits in effect after ApplyRuntimeLimits.
type Limits struct {
	MaxProcs int
	// MemLimit is the soft memory limit in bytes, 0 if none could be determined
	MemLimit int64
}

func (l Limits) String() string {
	if l.MemLimit == 0 {
		return fmt.Sprintf("GOMAXPROCS=%d, GOMEMLIMIT=unset", l.MaxProcs)
	}
	return fmt.Sprintf("GOMAXPROCS=%d, GOMEMLIMIT=%d MiB", l.MaxProcs, l.MemLimit>>20)
}

var (
	applyOnce sync.Once
	applied   Limits
)

// ApplyRuntimeLimits sets GOMAXPROCS to the container CPU quota and the soft memory
// limit to ratio of the container (or system) memory. Both adjustments are best effort:
// failures are logged and the defaults of the runtime stay in place. A ratio <= 0 or
// > 1 selects DefaultMemLimitRatio.
//
// Thread-safety: Only the first call has an effect, later calls return the same limits.
func ApplyRuntimeLimits(ratio float64) Limits {
	applyOnce.Do(func() {
		if ratio <= 0 || ratio > 1 {
			ratio = DefaultMemLimitRatio
		}

		if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
			log.Warningf("failed to set GOMAXPROCS from the CPU quota: %v", err)
		}

		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(ratio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			log.Warningf("failed to set the memory limit: %v", err)
		}

		applied = Limits{MaxProcs: Parallelism(), MemLimit: limit}
		log.Debugf("runtime limits: %s", applied)
	})
	return applied
}
