package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
)

// Config holds the coordinator tuning knobs.
type Config struct {
	// MaxInFlight bounds the number of concurrent transfers.
	MaxInFlight int

	// Timeout bounds one fetch attempt against one candidate.
	Timeout time.Duration

	// MaxAttempts bounds how many candidates are tried per task.
	MaxAttempts int
}

// Coordinator schedules repository fetches against the replication
// collaborator. At most one task runs per repository; concurrency across
// repositories is bounded by MaxInFlight. Results are delivered through
// the report callback, which must not block.
type Coordinator struct {
	cfg      Config
	transfer transfer.Transfer
	store    *store.Store
	report   func(Result)
	logger   *logrus.Entry

	mu       sync.Mutex
	inflight map[crypto.RepoID]bool
	sem      chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewCoordinator builds a coordinator. report is invoked from worker
// goroutines when a task finishes.
func NewCoordinator(cfg Config, tr transfer.Transfer, st *store.Store, report func(Result), logger *logrus.Entry) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		transfer: tr,
		store:    st,
		report:   report,
		logger:   logger,
		inflight: make(map[crypto.RepoID]bool),
		sem:      make(chan struct{}, cfg.MaxInFlight),
		shutdown: make(chan struct{}),
	}
}

// Schedule queues a fetch for the repository. It is idempotent: a task
// already pending or running for the same repository absorbs the call and
// Schedule returns false.
func (c *Coordinator) Schedule(repo crypto.RepoID, candidates []Candidate) bool {
	c.mu.Lock()
	if c.inflight[repo] {
		c.mu.Unlock()
		return false
	}
	c.inflight[repo] = true
	c.mu.Unlock()

	if len(candidates) == 0 {
		c.finish(Result{Repo: repo, Status: Failed, Err: errors.New("fetch: no candidates")})
		return true
	}

	c.wg.Add(1)
	go c.run(repo, candidates)

	return true
}

// InFlight returns the number of pending or running tasks.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stop prevents new work and waits for running tasks to drain. Attempts in
// progress run to their timeout.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
}

func (c *Coordinator) run(repo crypto.RepoID, candidates []Candidate) {
	defer c.wg.Done()

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-c.shutdown:
		c.finish(Result{Repo: repo, Status: Failed, Err: errors.New("fetch: shutting down")})
		return
	}

	attempts := c.cfg.MaxAttempts
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error
	lastStatus := Failed

	for i := 0; i < attempts; i++ {
		select {
		case <-c.shutdown:
			c.finish(Result{Repo: repo, Status: Failed, Attempts: i, Err: errors.New("fetch: shutting down")})
			return
		default:
		}

		cand := candidates[i]
		log := c.logger.WithFields(logrus.Fields{
			"repo":    repo.Short(),
			"peer":    cand.Node.Short(),
			"addr":    cand.Addr.String(),
			"attempt": i + 1,
		})
		log.Debug("fetch: attempting")

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		err := c.transfer.Fetch(ctx, repo, cand.Addr)
		cancel()

		if err == nil {
			if berr := c.store.BumpAddress(cand.Node, cand.Addr, 1); berr != nil {
				log.WithError(berr).Warn("fetch: promoting address failed")
			}
			c.finish(Result{
				Repo:     repo,
				Status:   Succeeded,
				Node:     cand.Node,
				Addr:     cand.Addr,
				Attempts: i + 1,
			})
			return
		}

		if errors.Is(err, context.DeadlineExceeded) {
			lastStatus = TimedOut
			log.Warn("fetch: attempt timed out")
		} else {
			lastStatus = Failed
			log.WithError(err).Warn("fetch: attempt failed")
		}
		lastErr = err

		if berr := c.store.BumpAddress(cand.Node, cand.Addr, -1); berr != nil {
			log.WithError(berr).Warn("fetch: demoting address failed")
		}
	}

	c.finish(Result{Repo: repo, Status: lastStatus, Attempts: attempts, Err: lastErr})
}

func (c *Coordinator) finish(res Result) {
	c.mu.Lock()
	delete(c.inflight, res.Repo)
	c.mu.Unlock()

	c.report(res)
}
