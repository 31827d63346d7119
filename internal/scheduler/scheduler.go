// Package scheduler runs the long-lived background work: a dedicated login
// loop and a small pool that drains EPG jobs, sweeps the response cache and
// fires the periodic bulk refresh.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/metrics"
)

// LoginLoop is ticked by the dedicated login worker.
type LoginLoop interface {
	Tick(ctx context.Context)
}

// EmitFunc delivers one batch of broadcasts to the sink.
type EmitFunc func(channelID int, batch []epg.Broadcast) error

// Executor fetches the records of one work item and emits them in batches.
type Executor interface {
	FetchEPG(ctx context.Context, item epg.WorkItem, emit EmitFunc) error
}

// Refresher performs the bulk refresh (recordings and timers).
type Refresher interface {
	Refresh(ctx context.Context)
}

// Sink receives emitted batches. Calls are serialized by the scheduler.
type Sink interface {
	Emit(ctx context.Context, channelID int, batch []epg.Broadcast) error
}

// Sweeper removes expired cache entries.
type Sweeper interface {
	Cleanup() (removed int, freed int64, err error)
}

type Options struct {
	Workers         int
	LoginTick       time.Duration
	PoolTick        time.Duration
	SweepInterval   time.Duration
	RefreshInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.LoginTick <= 0 {
		o.LoginTick = 500 * time.Millisecond
	}
	if o.PoolTick <= 0 {
		o.PoolTick = 100 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 10 * time.Minute
	}
}

// Deps are the collaborators. Login, Sweeper, Refresher and Ready may be nil.
type Deps struct {
	Login     LoginLoop
	Executor  Executor
	Refresher Refresher
	Sink      Sink
	Sweeper   Sweeper
	// Ready gates queue draining and refresh; items stay queued while it is false.
	Ready   func() bool
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Scheduler struct {
	log  zerolog.Logger
	opts Options
	deps Deps

	qmu   sync.Mutex
	queue []epg.WorkItem

	dmu         sync.Mutex
	nextRefresh time.Time

	// sinkMu keeps batches from different workers from interleaving.
	sinkMu sync.Mutex

	lastSweep time.Time // worker 0 only

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler with the first bulk refresh one interval from now.
func New(log zerolog.Logger, opts Options, deps Deps) *Scheduler {
	opts.setDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Scheduler{
		log:  log.With().Str("component", "scheduler").Logger(),
		opts: opts,
		deps: deps,
	}
	s.nextRefresh = deps.Now().Add(opts.RefreshInterval)
	return s
}

// Start launches the login worker and the pool. Calling Start twice is a no-op.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	if s.deps.Login != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loginLoop(ctx)
		}()
	}
	for i := 0; i < s.opts.Workers; i++ {
		idx := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx, idx)
		}()
	}
	s.log.Info().Int("workers", s.opts.Workers).Msg("scheduler started")
}

// Stop signals all workers and waits for them. Items in flight finish first;
// queued items are left in the queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Int("pending", s.QueueLen()).Msg("scheduler stopped")
}

func (s *Scheduler) loginLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.LoginTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.deps.Login.Tick(ctx)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, idx int) {
	log := s.log.With().Int("worker", idx).Logger()
	log.Debug().Msg("worker started")
	t := time.NewTicker(s.opts.PoolTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopped")
			return
		case <-t.C:
		}
		if idx == 0 {
			s.maybeSweep(log)
		}
		if !s.ready() {
			continue
		}
		for ctx.Err() == nil {
			item, ok := s.dequeue()
			if !ok {
				break
			}
			s.process(ctx, log, item)
		}
		if ctx.Err() == nil && s.claimRefresh() {
			log.Debug().Msg("bulk refresh triggered")
			s.deps.Metrics.Refresh()
			if s.deps.Refresher != nil {
				s.deps.Refresher.Refresh(context.WithoutCancel(ctx))
			}
		}
	}
}

func (s *Scheduler) ready() bool {
	return s.deps.Ready == nil || s.deps.Ready()
}

func (s *Scheduler) maybeSweep(log zerolog.Logger) {
	if s.deps.Sweeper == nil {
		return
	}
	now := s.deps.Now()
	if now.Sub(s.lastSweep) < s.opts.SweepInterval {
		return
	}
	s.lastSweep = now
	removed, _, err := s.deps.Sweeper.Cleanup()
	if err != nil {
		log.Error().Err(err).Msg("cache sweep failed")
		return
	}
	s.deps.Metrics.Swept(removed)
}

// process runs one item to completion even if Stop is called meanwhile.
func (s *Scheduler) process(ctx context.Context, log zerolog.Logger, item epg.WorkItem) {
	ctx = context.WithoutCancel(ctx)
	l := log.With().Str("job", item.ID).Int("channel", item.ChannelID).Logger()
	err := s.deps.Executor.FetchEPG(ctx, item, func(channelID int, batch []epg.Broadcast) error {
		return s.emit(ctx, channelID, batch)
	})
	s.deps.Metrics.Job(err == nil)
	if err != nil {
		l.Warn().Err(err).Msg("epg job failed")
		return
	}
	l.Debug().Msg("epg job done")
}

func (s *Scheduler) emit(ctx context.Context, channelID int, batch []epg.Broadcast) error {
	if s.deps.Sink == nil {
		return nil
	}
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	return s.deps.Sink.Emit(ctx, channelID, batch)
}

// Enqueue appends item to the queue. It never blocks on workers.
func (s *Scheduler) Enqueue(item epg.WorkItem) {
	s.qmu.Lock()
	s.queue = append(s.queue, item)
	n := len(s.queue)
	s.qmu.Unlock()
	s.deps.Metrics.QueueDepth(n)
}

func (s *Scheduler) dequeue() (epg.WorkItem, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return epg.WorkItem{}, false
	}
	item := s.queue[0]
	s.queue[0] = epg.WorkItem{}
	s.queue = s.queue[1:]
	s.deps.Metrics.QueueDepth(len(s.queue))
	return item, true
}

// QueueLen is the number of items waiting.
func (s *Scheduler) QueueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// SetNextDeadline pulls the next bulk refresh earlier. A candidate at or after
// the current deadline is ignored. It reports whether the deadline moved.
func (s *Scheduler) SetNextDeadline(t time.Time) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if !t.Before(s.nextRefresh) {
		return false
	}
	s.nextRefresh = t
	return true
}

// NextDeadline returns the current bulk refresh deadline.
func (s *Scheduler) NextDeadline() time.Time {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	return s.nextRefresh
}

// TriggerRefresh makes the next pool tick run a bulk refresh.
func (s *Scheduler) TriggerRefresh() {
	s.SetNextDeadline(s.deps.Now())
}

// claimRefresh reports whether the deadline has passed and, if so, advances
// it by one interval from now. Exactly one caller wins per crossing.
func (s *Scheduler) claimRefresh() bool {
	now := s.deps.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if now.Before(s.nextRefresh) {
		return false
	}
	s.nextRefresh = now.Add(s.opts.RefreshInterval)
	return true
}
