package memory

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one point-in-time memory measurement.
type Sample struct {
	UsedBytes  int64     `json:"used_bytes"`
	TotalBytes int64     `json:"total_bytes"`
	LimitBytes int64     `json:"limit_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler measures memory usage. Implementations that cannot measure on
// the current host should return an error; the manager degrades sampling
// to a no-op on persistent failure.
type Sampler interface {
	Sample() (Sample, error)
}

// GopsutilSampler samples the current process RSS and the host memory
// ceiling via gopsutil.
type GopsutilSampler struct {
	proc *process.Process
}

// NewGopsutilSampler creates a sampler for the current process.
func NewGopsutilSampler() (*GopsutilSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolving current process: %w", err)
	}
	return &GopsutilSampler{proc: proc}, nil
}

// Sample implements Sampler.
func (s *GopsutilSampler) Sample() (Sample, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("reading process memory: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("reading host memory: %w", err)
	}
	return Sample{
		UsedBytes:  int64(info.RSS),
		TotalBytes: int64(vm.Used),
		LimitBytes: int64(vm.Total),
		Timestamp:  time.Now(),
	}, nil
}

// RuntimeSampler samples the Go heap via runtime.ReadMemStats. Used as a
// fallback when gopsutil cannot resolve the process.
type RuntimeSampler struct{}

// Sample implements Sampler.
func (RuntimeSampler) Sample() (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		UsedBytes:  int64(ms.HeapAlloc),
		TotalBytes: int64(ms.HeapSys),
		LimitBytes: int64(ms.Sys),
		Timestamp:  time.Now(),
	}, nil
}

// DefaultSampler returns the gopsutil sampler, falling back to the runtime
// sampler on hosts where the process cannot be resolved.
func DefaultSampler() Sampler {
	s, err := NewGopsutilSampler()
	if err != nil {
		return RuntimeSampler{}
	}
	return s
}

// Compile-time interface checks
var (
	_ Sampler = (*GopsutilSampler)(nil)
	_ Sampler = RuntimeSampler{}
)
