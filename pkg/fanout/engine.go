package fanout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lockbox/pkg/logger"
	"lockbox/pkg/metrics"
	"lockbox/pkg/models"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

// Config tunes the fanout engine.
type Config struct {
	// PaceInterval is the delay applied after each processed tuple, a
	// backpressure valve on queue drain. Zero disables pacing.
	PaceInterval time.Duration
}

// Engine drains the pending-update queue and expands each tuple into
// one mailbox append per affected device. Workers run decoupled from
// the request-serving path, sharing the store and its coarse namespace
// locks. The pool is resizable at runtime via Grow and Shrink.
type Engine struct {
	st  *store.Store
	reg *registry.Registry

	limiter *rate.Limiter

	mu    sync.Mutex
	cond  *sync.Cond
	stops []chan struct{}
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(st *store.Store, reg *registry.Registry, cfg Config) *Engine {
	e := &Engine{st: st, reg: reg}
	e.cond = sync.NewCond(&e.mu)
	if cfg.PaceInterval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(cfg.PaceInterval), 1)
	}
	return e
}

// Start launches the initial worker pool. It must be called once; the
// engine stops when Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, workers int) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	// Seed the depth gauge with any backlog left from a previous run;
	// from here on producers increment it and claim decrements it.
	if keys, err := e.st.ScanKeys(store.NSPending, ""); err == nil {
		metrics.PendingDepth.Set(float64(len(keys)))
	}
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.Grow()
	}
	// A cancelled parent context must wake idle workers.
	go func() {
		<-e.ctx.Done()
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}()
	logger.Info("fanout_started", "workers", workers)
}

// Grow adds one worker to the pool.
func (e *Engine) Grow() {
	e.mu.Lock()
	stop := make(chan struct{})
	e.stops = append(e.stops, stop)
	n := len(e.stops)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(stop)
	metrics.FanoutWorkers.Set(float64(n))
	logger.Info("fanout_worker_added", "workers", n)
}

// Shrink removes the most recently added worker. The worker exits at
// its next suspension point; a claimed tuple is always fully processed
// first.
func (e *Engine) Shrink() {
	e.mu.Lock()
	if len(e.stops) == 0 {
		e.mu.Unlock()
		return
	}
	stop := e.stops[len(e.stops)-1]
	e.stops = e.stops[:len(e.stops)-1]
	n := len(e.stops)
	// close and broadcast under the mutex so a worker between its idle
	// check and cond.Wait cannot miss the wakeup
	close(stop)
	e.cond.Broadcast()
	e.mu.Unlock()

	metrics.FanoutWorkers.Set(float64(n))
	logger.Info("fanout_worker_removed", "workers", n)
}

// Workers reports the current pool size.
func (e *Engine) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stops)
}

// Stop cancels all workers and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, stop := range e.stops {
		close(stop)
	}
	e.stops = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
	metrics.FanoutWorkers.Set(0)
	logger.Info("fanout_stopped")
}

// Notify wakes idle workers after a producer enqueued a pending update.
func (e *Engine) Notify() {
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// run is the worker loop. Cancellation is cooperative: it is observed
// while idle and after pacing, never between claiming a tuple and
// finishing its fanout.
func (e *Engine) run(stop chan struct{}) {
	defer e.wg.Done()
	for {
		// Block until the pending queue is non-empty or we are told
		// to exit.
		e.mu.Lock()
		for {
			if stopped(stop) || e.ctx.Err() != nil {
				e.mu.Unlock()
				return
			}
			_, _, ok, err := e.st.ScanFirst(store.NSPending, "")
			if err != nil {
				logger.Error("fanout_scan_failed", "error", err)
			}
			if ok {
				break
			}
			e.cond.Wait()
		}
		e.mu.Unlock()

		key, claimed := e.claim()
		if claimed {
			e.process(key)
			metrics.UpdatesProcessed.Inc()
		}

		// Pacing delay; a stop request here is honored only after the
		// claimed tuple was fully handled above.
		if e.limiter != nil {
			if err := e.limiter.Wait(e.ctx); err != nil {
				return
			}
		}
		if stopped(stop) || e.ctx.Err() != nil {
			return
		}
	}
}

// claim takes the earliest pending tuple, appends it to the durable
// update log and deletes it from the queue. The whole read-log-delete
// sequence holds the pending namespace mutex so no two workers can
// claim the same tuple.
func (e *Engine) claim() (string, bool) {
	mu := e.st.Mutex(store.NSPending, "")
	mu.Lock()
	defer mu.Unlock()

	key, _, ok, err := e.st.ScanFirst(store.NSPending, "")
	if err != nil || !ok {
		return "", false
	}
	if err := e.st.Put(store.NSUpdateLog, "", key, ""); err != nil {
		logger.Error("update_log_append_failed", "tuple", key, "error", err)
		return "", false
	}
	if err := e.st.Delete(store.NSPending, "", key); err != nil {
		logger.Error("pending_delete_failed", "tuple", key, "error", err)
		return "", false
	}
	metrics.PendingDepth.Dec()
	logger.Debug("update_claimed", "tuple", key)
	return key, true
}

// process expands one claimed tuple into mailbox appends. Malformed
// tuples and missing metadata are quarantined; they never abort the
// worker.
func (e *Engine) process(key string) {
	u, err := models.ParseUpdateKey(key)
	if err != nil {
		e.quarantine(key, err)
		return
	}
	editors, err := e.reg.Editors(u.TopDir)
	if err != nil {
		e.quarantine(key, err)
		return
	}
	for _, editor := range editors {
		devices, err := e.reg.Devices(editor)
		if err != nil {
			// One editor without devices must not starve the others.
			e.quarantine(key, err)
			continue
		}
		for _, device := range devices {
			if err := e.st.Update(store.NSDeviceSync, "", device, key); err != nil {
				logger.Error("mailbox_append_failed", "device", device, "tuple", key, "error", err)
				continue
			}
			metrics.MailboxAppends.Inc()
			logger.Debug("mailbox_appended", "device", device, "editor", editor, "tuple", key)
		}
	}
}

// quarantine records the offending tuple with its failure reason so
// processing continues with the next entry.
func (e *Engine) quarantine(key string, cause error) {
	logger.Warn("update_quarantined", "tuple", key, "reason", cause)
	if err := e.st.Put(store.NSQuarantine, "", key, cause.Error()); err != nil {
		logger.Error("quarantine_write_failed", "tuple", key, "error", err)
	}
	metrics.Quarantined.Inc()
}
