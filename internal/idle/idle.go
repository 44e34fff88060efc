// Package idle detects periods of low request activity and fans out
// IdleStart/IdleTick/IdleEnd callbacks to registered consumers, so
// background work (garbage collection, compaction, bloom maintenance)
// can run when it won't compete with live traffic.
//
// The moving window is a small ring buffer of per-second request counts
// and latency sums, mutex-guarded and sampled on a fixed tick, the same
// shape as a process resource sampler generalized from CPU/memory
// sampling to request-rate sampling. Periodic ticking uses
// github.com/go-co-op/gocron/v2, generalized from named cron jobs to a
// single recurring idle-evaluation tick.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"dedupvol/internal/logging"
	"dedupvol/internal/notify"
)

// Consumer receives idle-period lifecycle callbacks. Name must be
// stable and unique among a Detector's registered consumers.
type Consumer interface {
	Name() string
	IdleStart(ctx context.Context)
	IdleTick(ctx context.Context)
	IdleEnd(ctx context.Context)
}

const (
	// DefaultWindow is how far back the throughput tracker looks when
	// smoothing the request rate.
	DefaultWindow = 30 * time.Second
	// DefaultThreshold is the smoothed requests-per-second below which
	// the system is considered idle.
	DefaultThreshold = 1.0
	// DefaultGracePeriod is how long throughput must stay below the
	// threshold before IdleStart fires, to avoid flapping on a single
	// quiet second.
	DefaultGracePeriod = 5 * time.Second

	bucketWidth = time.Second
)

// Options configures New.
type Options struct {
	Window      time.Duration
	Threshold   float64
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Detector tracks request throughput and latency over a moving window
// and declares the system idle once smoothed throughput stays below a
// threshold for a grace period. While idle it fires IdleTick to every
// registered consumer once a second.
type Detector struct {
	window    time.Duration
	threshold float64
	grace     time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	buckets    []int64
	latencies  []time.Duration
	curCount   int64
	curLatency time.Duration
	belowSince time.Time
	idle       bool
	consumers  map[string]Consumer
	order      []string

	transitions *notify.Signal

	sched gocron.Scheduler
	job   gocron.Job
}

// New creates a Detector. Call Start to begin sampling.
func New(opts Options) (*Detector, error) {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("idle: create scheduler: %w", err)
	}

	return &Detector{
		window:      window,
		threshold:   threshold,
		grace:       grace,
		logger:      logging.Default(opts.Logger).With("component", "idle"),
		consumers:   make(map[string]Consumer),
		transitions: notify.NewSignal(),
		sched:       sched,
	}, nil
}

// RecordRequest accounts for one completed request of the given latency
// in the current second's bucket. Safe to call from any number of
// concurrent request-handling goroutines.
func (d *Detector) RecordRequest(latency time.Duration) {
	d.mu.Lock()
	d.curCount++
	d.curLatency += latency
	d.mu.Unlock()
}

// Register adds c to the set of consumers notified on idle transitions
// and ticks. Registering after Start is allowed: if the detector is
// already idle, c receives an immediate IdleStart so its state matches
// every consumer that registered earlier.
func (d *Detector) Register(ctx context.Context, c Consumer) {
	d.mu.Lock()
	_, exists := d.consumers[c.Name()]
	if !exists {
		d.consumers[c.Name()] = c
		d.order = append(d.order, c.Name())
	}
	alreadyIdle := d.idle
	d.mu.Unlock()

	if !exists && alreadyIdle {
		c.IdleStart(ctx)
	}
}

// Start begins once-a-second idle evaluation.
func (d *Detector) Start(ctx context.Context) error {
	job, err := d.sched.NewJob(
		gocron.DurationJob(bucketWidth),
		gocron.NewTask(func() { d.tick(ctx) }),
		gocron.WithName("idle-tick"),
	)
	if err != nil {
		return fmt.Errorf("idle: schedule tick: %w", err)
	}
	d.job = job
	d.sched.Start()
	return nil
}

// Stop halts sampling. Already-idle consumers are not sent an IdleEnd:
// Stop is a shutdown signal, not an activity transition.
func (d *Detector) Stop() error {
	return d.sched.Shutdown()
}

// Transitions returns a channel closed on the next IdleStart/IdleEnd
// transition, for callers (status endpoints, tests) that want to
// observe idle state without registering a full Consumer.
func (d *Detector) Transitions() <-chan struct{} {
	return d.transitions.C()
}

// IsIdle reports the detector's current idle state.
func (d *Detector) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *Detector) tick(ctx context.Context) {
	d.mu.Lock()
	d.buckets = append(d.buckets, d.curCount)
	d.latencies = append(d.latencies, d.curLatency)
	d.curCount, d.curLatency = 0, 0

	maxBuckets := int(d.window / bucketWidth)
	if maxBuckets < 1 {
		maxBuckets = 1
	}
	if len(d.buckets) > maxBuckets {
		d.buckets = d.buckets[len(d.buckets)-maxBuckets:]
		d.latencies = d.latencies[len(d.latencies)-maxBuckets:]
	}

	var total int64
	for _, c := range d.buckets {
		total += c
	}
	throughput := float64(total) / (float64(len(d.buckets)) * bucketWidth.Seconds())

	now := time.Now()
	var (
		fireStart, fireTick, fireEnd bool
		consumers                    []Consumer
	)
	below := throughput < d.threshold
	switch {
	case below && !d.idle:
		if d.belowSince.IsZero() {
			d.belowSince = now
		}
		if now.Sub(d.belowSince) >= d.grace {
			d.idle = true
			fireStart = true
		}
	case below && d.idle:
		fireTick = true
	case !below && d.idle:
		d.idle = false
		d.belowSince = time.Time{}
		fireEnd = true
	case !below && !d.idle:
		d.belowSince = time.Time{}
	}
	if fireStart || fireTick || fireEnd {
		consumers = make([]Consumer, 0, len(d.order))
		for _, name := range d.order {
			consumers = append(consumers, d.consumers[name])
		}
	}
	d.mu.Unlock()

	switch {
	case fireStart:
		for _, c := range consumers {
			c.IdleStart(ctx)
		}
		d.transitions.Notify()
	case fireEnd:
		for _, c := range consumers {
			c.IdleEnd(ctx)
		}
		d.transitions.Notify()
	case fireTick:
		for _, c := range consumers {
			c.IdleTick(ctx)
		}
	}
}
