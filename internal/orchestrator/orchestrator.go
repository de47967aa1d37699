// Package orchestrator runs the kanban loop: sync the board, sweep
// resolvers, discover ready stages and hand them to worker sessions,
// bounded by the worktree pool. One loop goroutine owns all admission
// and exit handling; worker sessions only report back over a channel.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pitboss-dev/pitboss/internal/chain"
	"github.com/pitboss-dev/pitboss/internal/comments"
	"github.com/pitboss-dev/pitboss/internal/config"
	"github.com/pitboss-dev/pitboss/internal/cron"
	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/discovery"
	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
	"github.com/pitboss-dev/pitboss/internal/events"
	"github.com/pitboss-dev/pitboss/internal/gate"
	"github.com/pitboss-dev/pitboss/internal/jira"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
	"github.com/pitboss-dev/pitboss/internal/resolver"
	"github.com/pitboss-dev/pitboss/internal/session"
	"github.com/pitboss-dev/pitboss/internal/worktree"
)

// State is where the loop currently is. Transitions are linear within
// a tick; Waiting and Terminated are the only states the loop rests in.
type State string

const (
	StateIdle       State = "idle"
	StateTicking    State = "ticking"
	StateAdmitting  State = "admitting"
	StateSpawning   State = "spawning"
	StateWaiting    State = "waiting"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Config tunes the loop. Zero values fall back to DefaultConfig.
type Config struct {
	// MaxParallel caps concurrent worker sessions and sizes the
	// worktree pool.
	MaxParallel int
	// PollInterval is the pause between ticks while workers are active.
	PollInterval time.Duration
	// IdleInterval is the longer pause taken when a tick found nothing
	// to do and nothing is running.
	IdleInterval time.Duration
	// Once makes the loop admit a single batch, drain it and terminate.
	Once bool
	// Model is passed through to every worker session.
	Model string
	// Env is extra environment for worker sessions.
	Env map[string]string
}

// DefaultConfig mirrors the scheduler defaults in workflow.yaml.
func DefaultConfig() Config {
	def := config.Default().Scheduler
	return Config{
		MaxParallel:  def.MaxParallel,
		PollInterval: time.Duration(def.PollSeconds) * time.Second,
		IdleInterval: time.Duration(def.IdleSeconds) * time.Second,
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.MaxParallel < 1 {
		c.MaxParallel = def.MaxParallel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
}

// Options wires the orchestrator's collaborators. DB, Pipe, Discovery,
// Locker, Pool and Executor are required; the rest degrade to no-ops
// when nil.
type Options struct {
	RepoRoot  string
	Config    Config
	DB        *db.DB
	Pipe      *pipeline.Pipeline
	Discovery *discovery.Engine
	Resolvers *resolver.Runner
	Gate      *gate.Gate
	Locker    *lock.Locker
	Pool      *worktree.Pool
	Executor  session.Executor
	Comments  *comments.Poller
	Chain     *chain.Manager
	Notifier  *jira.Notifier
	Publisher events.Publisher
	Cron      config.CronConfig
	// InsightsThreshold is how many completed stages accumulate before
	// an insights pass is announced. Zero disables the job.
	InsightsThreshold int
	Logger            *slog.Logger
}

// Orchestrator drives the loop. Start and Stop bracket one run; the
// same instance can be restarted after Stop returns.
type Orchestrator struct {
	repoRoot  string
	cfg       Config
	db        *db.DB
	pipe      *pipeline.Pipeline
	discovery *discovery.Engine
	resolvers *resolver.Runner
	gate      *gate.Gate
	locker    *lock.Locker
	pool      *worktree.Pool
	executor  session.Executor
	comments  *comments.Poller
	chain     *chain.Manager
	notifier  *jira.Notifier
	events    *events.PublishHelper
	cronCfg   config.CronConfig
	insights  int
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	state   State
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Scheduler

	// active workers keyed by worktree index. Only the loop flow
	// touches the map; the mutex covers Status readers.
	activeMu sync.Mutex
	active   map[int]*worker
	exits    chan workerExit

	isolationOnce sync.Once
	isolationErr  error
}

// New builds an orchestrator from its collaborators.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	cfg.fillDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repoRoot:  opts.RepoRoot,
		cfg:       cfg,
		db:        opts.DB,
		pipe:      opts.Pipe,
		discovery: opts.Discovery,
		resolvers: opts.Resolvers,
		gate:      opts.Gate,
		locker:    opts.Locker,
		pool:      opts.Pool,
		executor:  opts.Executor,
		comments:  opts.Comments,
		chain:     opts.Chain,
		notifier:  opts.Notifier,
		events:    events.NewPublishHelper(opts.Publisher),
		cronCfg:   opts.Cron,
		insights:  opts.InsightsThreshold,
		logger:    logger,
		state:     StateIdle,
		active:    map[int]*worker{},
	}
}

// Start launches the loop and returns immediately. It fails when a run
// is already in flight; after Stop the orchestrator can be started
// again with a fresh context.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return pberrors.ErrOrchestratorRunning()
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.setState(StateIdle)
	o.exits = make(chan workerExit, o.cfg.MaxParallel)
	o.isolationOnce = sync.Once{}
	o.isolationErr = nil
	o.pool.ResetValidation()

	o.cron = cron.New(o.logger, o.cronJobs()...)
	o.cron.Start(o.ctx)

	o.wg.Add(1)
	go o.mainLoop(o.cancel, o.cron)

	o.logger.Info("orchestrator started",
		"max_parallel", o.cfg.MaxParallel,
		"poll_interval", o.cfg.PollInterval,
		"once", o.cfg.Once)
	return nil
}

// Stop ends the run: it cancels the loop (including an idle sleep in
// progress) and waits for it to wind down. Worker sessions already
// spawned are not killed; the loop drains them before returning. A
// second Stop, or a Stop after a once run terminated on its own,
// returns immediately.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.running {
		o.setState(StateStopping)
		o.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Wait blocks until the loop terminates on its own, or ctx expires.
// Useful with Once mode.
func (o *Orchestrator) Wait(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if o.State() == StateTerminated {
				return nil
			}
		}
	}
}

// State reports where the loop currently is.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.state = s
}

func (o *Orchestrator) transition(s State) {
	o.mu.Lock()
	// Stopping is sticky until the loop exits; ticks that race a Stop
	// must not mask it.
	if o.state != StateStopping {
		o.setState(s)
	}
	o.mu.Unlock()
}

// Active returns how many worker sessions are in flight.
func (o *Orchestrator) Active() int {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return len(o.active)
}

// ActiveStages lists the stage IDs with a running worker session.
func (o *Orchestrator) ActiveStages() []string {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	ids := make([]string, 0, len(o.active))
	for _, w := range o.active {
		ids = append(ids, w.stageID)
	}
	return ids
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	State        State    `json:"state"`
	Active       int      `json:"active"`
	MaxParallel  int      `json:"max_parallel"`
	ActiveStages []string `json:"active_stages,omitempty"`
}

// Snapshot returns the current loop status.
func (o *Orchestrator) Snapshot() Status {
	return Status{
		State:        o.State(),
		Active:       o.Active(),
		MaxParallel:  o.cfg.MaxParallel,
		ActiveStages: o.ActiveStages(),
	}
}

func (o *Orchestrator) mainLoop(cancel context.CancelFunc, cr *cron.Scheduler) {
	defer o.wg.Done()
	defer o.finishRun(cancel, cr)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	if done := o.runTick(); done {
		return
	}
	for {
		select {
		case <-o.ctx.Done():
			o.drain()
			return
		case exit := <-o.exits:
			o.handleExit(exit)
			if done := o.runTick(); done {
				return
			}
		case <-ticker.C:
			if done := o.runTick(); done {
				return
			}
		}
	}
}

// runTick runs one tick and decides what the loop does next. It
// returns true when the loop should terminate.
func (o *Orchestrator) runTick() bool {
	if o.ctx.Err() != nil {
		o.drain()
		return true
	}

	spawned := o.tick(o.ctx)
	active := o.Active()

	if o.cfg.Once {
		if spawned > 0 || active > 0 {
			o.drain()
		}
		return true
	}

	if spawned == 0 && active == 0 {
		o.idleSleep()
	} else {
		o.transition(StateWaiting)
	}
	return false
}

// tick is one pass: sync the board, sweep resolvers, then fill free
// slots from discovery.
func (o *Orchestrator) tick(ctx context.Context) (spawned int) {
	o.transition(StateTicking)

	summary, err := o.db.SyncFromRepo(ctx, o.repoRoot)
	if err != nil {
		o.logger.Error("board sync failed", "error", err)
		o.events.Error("", "board sync failed: "+err.Error())
		return 0
	}
	o.events.BoardSynced(events.SyncData{
		Stages:  summary.Stages,
		Tickets: summary.Tickets,
		Epics:   summary.Epics,
		Skipped: summary.Skipped,
	})

	if o.resolvers != nil {
		transitions, err := o.resolvers.Sweep(ctx)
		if err != nil {
			o.logger.Warn("resolver sweep failed", "error", err)
		}
		if transitions > 0 {
			// Resolver writes changed stage files; discovery must see
			// the post-sweep board.
			if err := o.db.Sync(ctx, o.repoRoot); err != nil {
				o.logger.Error("post-sweep sync failed", "error", err)
				return 0
			}
		}
	}

	slots := o.cfg.MaxParallel - o.Active()
	if slots <= 0 {
		return 0
	}

	o.transition(StateAdmitting)
	snap, err := o.discovery.Snapshot(ctx)
	if err != nil {
		o.logger.Error("discovery failed", "error", err)
		o.events.Error("", "discovery failed: "+err.Error())
		return 0
	}

	for _, cand := range snap.Ready {
		if spawned >= slots {
			break
		}
		if cand.NeedsHuman {
			continue
		}
		if o.admit(ctx, cand) {
			spawned++
		}
	}
	return spawned
}

// idleSleep parks the loop for the idle interval. Stop cancels it.
func (o *Orchestrator) idleSleep() {
	o.transition(StateWaiting)
	timer := time.NewTimer(o.cfg.IdleInterval)
	defer timer.Stop()
	select {
	case <-o.ctx.Done():
	case <-timer.C:
	}
}

// drain consumes worker exits until no session is in flight. Sessions
// run detached from the loop context, so shutdown still performs the
// full exit handling for each.
func (o *Orchestrator) drain() {
	if o.Active() == 0 {
		return
	}
	o.transition(StateWaiting)
	o.logger.Info("draining active sessions", "active", o.Active())
	for o.Active() > 0 {
		o.handleExit(<-o.exits)
	}
}

// finishRun releases a run's resources when the loop exits, whether by
// Stop or on its own in once mode. The cancel func and cron scheduler
// belong to this run; a restart has fresh ones by the time a slow exit
// gets here.
func (o *Orchestrator) finishRun(cancel context.CancelFunc, cr *cron.Scheduler) {
	o.mu.Lock()
	o.running = false
	o.setState(StateTerminated)
	o.mu.Unlock()

	cancel()
	if cr != nil {
		cr.Stop()
	}
	o.logger.Info("orchestrator loop terminated")
}
