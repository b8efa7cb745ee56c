package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// EncoderSample is one resource reading of an encoder process.
type EncoderSample struct {
	Key        string    `json:"key"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for encoder resource sampling.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Sampler periodically reads CPU and memory of running encoders.
type Sampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	last   map[string]EncoderSample
	procs  map[int32]*process.Process // CPUPercent needs the same handle across calls
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewSampler(cfg SamplerConfig, logger *slog.Logger) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		enabled:  cfg.Enabled,
		interval: interval,
		logger:   logger,
		last:     map[string]EncoderSample{},
		procs:    map[int32]*process.Process{},
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "cpu_percent",
			Help: "CPU usage percentage of running encoders.",
		}, []string{"key"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "memory_mb",
			Help: "Resident memory of running encoders in MB.",
		}, []string{"key"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "num_threads",
			Help: "Thread count of running encoders.",
		}, []string{"key"}),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{s.cpu, s.memory, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the encoders returned by running (key -> pid) every interval.
func (s *Sampler) Start(ctx context.Context, running func() map[string]int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.Collect(running())
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every pid and drops series of encoders that are gone.
func (s *Sampler) Collect(running map[string]int32) {
	now := time.Now()
	samples := make(map[string]EncoderSample, len(running))
	for key, pid := range running {
		if pid <= 0 {
			continue
		}
		smp, err := s.sample(key, pid, now)
		if err != nil {
			s.logger.Debug("encoder sample failed", "key", key, "pid", pid, "error", err)
			continue
		}
		samples[key] = smp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.last {
		if _, ok := samples[key]; !ok {
			s.cpu.DeleteLabelValues(key)
			s.memory.DeleteLabelValues(key)
			s.threads.DeleteLabelValues(key)
		}
	}
	live := make(map[int32]struct{}, len(samples))
	for key, smp := range samples {
		s.cpu.WithLabelValues(key).Set(smp.CPUPercent)
		s.memory.WithLabelValues(key).Set(smp.MemoryMB)
		s.threads.WithLabelValues(key).Set(float64(smp.NumThreads))
		live[smp.PID] = struct{}{}
	}
	for pid := range s.procs {
		if _, ok := live[pid]; !ok {
			delete(s.procs, pid)
		}
	}
	s.last = samples
}

func (s *Sampler) sample(key string, pid int32, at time.Time) (EncoderSample, error) {
	s.mu.Lock()
	proc, ok := s.procs[pid]
	if !ok {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return EncoderSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.procs[pid] = p
		proc = p
	}
	s.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return EncoderSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	return EncoderSample{
		Key:        key,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  at,
	}, nil
}

// Get returns the latest sample for key.
func (s *Sampler) Get(key string) (EncoderSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	smp, ok := s.last[key]
	return smp, ok
}

// All returns a copy of the latest samples.
func (s *Sampler) All() map[string]EncoderSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]EncoderSample, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

func (s *Sampler) Enabled() bool { return s.enabled }
