// Package scheduler implements the pool scheduler: two bounded worker
// pools — download and heavy-processing — each backed by a process-local
// running set and a semaphore, polling the job store once per tick for
// newest-first candidates.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/executor"
	"github.com/sunyych/ingestd/internal/metrics"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/store"
)

// Pool is one bounded worker pool: a running set for de-duplication across
// ticks plus a semaphore channel bounding concurrency.
type pool struct {
	name     string
	capacity int
	sem      chan struct{}

	mu      sync.Mutex
	running map[string]struct{}

	wg sync.WaitGroup
}

func newPool(name string, capacity int) *pool {
	if capacity < 1 {
		capacity = 1
	}
	return &pool{
		name:     name,
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
		running:  make(map[string]struct{}),
	}
}

func (p *pool) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

func (p *pool) add(id string) {
	p.mu.Lock()
	p.running[id] = struct{}{}
	n := len(p.running)
	p.mu.Unlock()
	metrics.PoolRunning.WithLabelValues(p.name).Set(float64(n))
}

func (p *pool) remove(id string) {
	p.mu.Lock()
	delete(p.running, id)
	n := len(p.running)
	p.mu.Unlock()
	metrics.PoolRunning.WithLabelValues(p.name).Set(float64(n))
}

func (p *pool) freeSlots() int {
	return p.capacity - len(p.sem)
}

// Scheduler runs the download pool and the heavy-processing pool against the
// Job Store, dispatching each claimed item to the matching executor stage
// method.
type Scheduler struct {
	Items    *store.ItemRepository
	Executor *executor.Executor

	DownloadCapacity int
	ProcessCapacity  int

	IdleBackoff  time.Duration
	ErrorBackoff time.Duration

	Log zerolog.Logger

	downloadPool *pool
	processPool  *pool
}

// heavyStages are the stages the processing pool polls for.
var heavyStages = []model.Stage{model.StageConverting, model.StageTranscribing, model.StageSummarizing}

// New builds a Scheduler with its two pools sized from Scheduler's capacity
// fields (defaulting to constants.DefaultDownloadConcurrency/
// DefaultProcessConcurrency when unset).
func New(items *store.ItemRepository, ex *executor.Executor, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Items:            items,
		Executor:         ex,
		DownloadCapacity: constants.DefaultDownloadConcurrency,
		ProcessCapacity:  constants.DefaultProcessConcurrency,
		IdleBackoff:      constants.SchedulerIdleBackoff,
		ErrorBackoff:     constants.SchedulerErrorBackoff,
		Log:              log,
	}
}

// Run drives both pools until ctx is cancelled, each on its own tick loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.downloadPool = newPool("download", s.DownloadCapacity)
	s.processPool = newPool("process", s.ProcessCapacity)
	metrics.PoolCapacity.WithLabelValues("download").Set(float64(s.downloadPool.capacity))
	metrics.PoolCapacity.WithLabelValues("process").Set(float64(s.processPool.capacity))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runPoolLoop(ctx, s.downloadPool, s.pollDownloads)
	}()
	go func() {
		defer wg.Done()
		s.runPoolLoop(ctx, s.processPool, s.pollProcessing)
	}()
	wg.Wait()

	s.downloadPool.wg.Wait()
	s.processPool.wg.Wait()
}

// runPoolLoop is the generic per-tick scan shared by both pools: ask for up
// to free_slots candidates, skip anything already running in either pool
// (cross-pool exclusion), launch a bounded task per candidate, then back
// off.
func (s *Scheduler) runPoolLoop(ctx context.Context, p *pool, poll func(limit int) ([]*model.Item, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		free := p.freeSlots()
		if free <= 0 {
			s.sleep(ctx, s.idleBackoff())
			continue
		}

		candidates, err := poll(free)
		if err != nil {
			s.Log.Error().Err(err).Str("pool", p.name).Msg("scheduler: poll failed")
			s.sleep(ctx, s.errorBackoff())
			continue
		}

		scheduled := 0
		for _, it := range candidates {
			if s.downloadPool.has(it.ID) || s.processPool.has(it.ID) {
				continue
			}
			p.add(it.ID)
			p.sem <- struct{}{}
			p.wg.Add(1)
			scheduled++
			go func(it *model.Item) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				defer p.remove(it.ID)
				s.runTask(ctx, it)
			}(it)
		}

		if scheduled == 0 {
			s.sleep(ctx, s.idleBackoff())
		}
	}
}

// runTask dispatches it to the executor method matching its current stage,
// chosen at launch time rather than re-read at entry; the executor itself
// re-validates state as part of each stage's idempotent re-entry check.
func (s *Scheduler) runTask(ctx context.Context, it *model.Item) {
	started := time.Now()
	var err error
	switch it.Stage {
	case model.StagePending:
		err = s.Executor.Download(ctx, it)
	case model.StageConverting:
		err = s.Executor.Convert(ctx, it)
	case model.StageTranscribing:
		err = s.Executor.Transcribe(ctx, it)
	case model.StageSummarizing:
		err = s.Executor.Summarize(ctx, it)
	default:
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		metrics.StageErrors.WithLabelValues(string(it.Stage), string(apperr.CodeOf(err))).Inc()
		s.Log.Warn().Err(err).Str("item", it.ID).Str("stage", string(it.Stage)).Msg("scheduler: task returned error")
	}
	metrics.StageDuration.WithLabelValues(string(it.Stage), outcome).Observe(time.Since(started).Seconds())
}

// IsRunning reports whether id is currently executing in either pool —
// consulted by the stuck-task supervisor so recovery never races a live
// executor.
func (s *Scheduler) IsRunning(id string) bool {
	if s.downloadPool == nil || s.processPool == nil {
		return false
	}
	return s.downloadPool.has(id) || s.processPool.has(id)
}

func (s *Scheduler) pollDownloads(limit int) ([]*model.Item, error) {
	return s.Items.ListByStage([]model.Stage{model.StagePending}, limit, store.OrderNewestFirst)
}

func (s *Scheduler) pollProcessing(limit int) ([]*model.Item, error) {
	return s.Items.ListByStage(heavyStages, limit, store.OrderInFlight)
}

func (s *Scheduler) idleBackoff() time.Duration {
	if s.IdleBackoff > 0 {
		return s.IdleBackoff
	}
	return constants.SchedulerIdleBackoff
}

func (s *Scheduler) errorBackoff() time.Duration {
	if s.ErrorBackoff > 0 {
		return s.ErrorBackoff
	}
	return constants.SchedulerErrorBackoff
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
