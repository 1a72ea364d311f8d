// Package kernel wires the runtime together: database and repositories,
// event bus, approval manager and its sweeper, the worker set, the session
// facade, the HTTP transport, the event journal, and the audit persistence
// worker. It owns startup order and the graceful shutdown choreography.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llmclient"
	"conductor/pkg/approval"
	"conductor/pkg/config"
	"conductor/pkg/dispatch"
	"conductor/pkg/eventlog"
	"conductor/pkg/exec"
	"conductor/pkg/fsm"
	"conductor/pkg/httpapi"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/session"
	"conductor/pkg/tools"
)

// auditQueueSize is the audit channel's buffer. Producers drop records
// rather than block when the worker falls this far behind.
const auditQueueSize = 100

// Kernel is the assembled runtime. Fields are exported for the daemon and
// for tests that reach into a running instance.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // owns the runtime lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store     *persistence.Store
	Bus       *dispatch.Bus
	Recorder  *metrics.Recorder
	Approvals *approval.Manager
	Machines  *fsm.Registry
	Workers   *agent.Registry
	Sessions  *session.Service
	Agents    *session.AgentContexts
	Executor  *exec.Executor
	Facade    *session.Facade
	Server    *httpapi.Server
	Journal   *eventlog.Writer

	// AuditQueue carries fire-and-forget audit rows to the persistence
	// worker. Critical writes never go through it.
	AuditQueue chan *persistence.Request

	auditDone     chan struct{}
	detachJournal func()
	running       bool
}

// New assembles a kernel from configuration. Nothing runs until Start.
func New(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel: %w", err)
	}
	return k, nil
}

// initialize builds every service in dependency order.
func (k *Kernel) initialize() error {
	if err := os.MkdirAll(k.Config.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := persistence.Initialize(k.Config.DatabasePath()); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	k.Store = persistence.NewStore(persistence.GetDB())

	k.Bus = dispatch.NewBus()
	k.Recorder = metrics.NewRecorder()

	journal, err := eventlog.NewWriter(filepath.Join(k.Config.StateDir, "logs"))
	if err != nil {
		return err
	}
	k.Journal = journal
	k.detachJournal = journal.Attach(k.Bus)

	policy := approval.DefaultPolicy()
	if k.Config.PolicyFile != "" {
		policy, err = approval.LoadPolicyFile(k.Config.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load approval policy: %w", err)
		}
		k.Logger.Info("🔏 loaded approval policy from %s (%d rules)", k.Config.PolicyFile, policy.RuleCount())
	}
	k.Approvals = approval.NewManager(k.Store.Approvals, k.Bus, policy)
	k.Approvals.SetTimeout(k.Config.ApprovalTimeout())

	k.Machines = fsm.NewRegistry(k.Store.FSMStates)

	// The catalog registered itself at init; freeze it before any agent
	// can observe it.
	tools.Seal()

	client, err := llmclient.New(k.Config)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	client = limiter.Wrap(client, k.Config.LLM.RateLimitTPM)

	k.AuditQueue = make(chan *persistence.Request, auditQueueSize)
	runner := tools.NewLocalRunner(k.Config.Workspace)

	workerCfg := agent.WorkerConfig{
		Client:    client,
		Approvals: k.Approvals,
		Runner:    runner,
		Bus:       k.Bus,
		Recorder:  k.Recorder,
		Audit:     k.AuditQueue,
		Budget:    k.Config.Context,
		Timeout:   k.Config.RequestTimeout(),
	}
	k.Workers = agent.NewWorkerSet(k.Config.MultiAgentMode, workerCfg)

	k.Sessions = session.NewService(k.Store.Conversations)
	k.Agents = session.NewAgentContexts(k.Store.AgentContexts, k.AuditQueue)
	k.Executor = exec.NewExecutor(k.Store.Plans, k.Sessions, k.Workers, k.Bus, k.Recorder)

	k.Facade = session.NewFacade(session.Deps{
		Conversations: k.Sessions,
		Agents:        k.Agents,
		Machines:      k.Machines,
		Classifier:    agent.NewClassifier(client),
		Planner:       agent.NewPlanner(client),
		Workers:       k.Workers,
		Executor:      k.Executor,
		Approvals:     k.Approvals,
		Plans:         k.Store.Plans,
		Runner:        runner,
		Bus:           k.Bus,
		Recorder:      k.Recorder,
		Audit:         k.AuditQueue,
		MultiAgent:    k.Config.MultiAgentMode,
	})

	var queries *metrics.QueryService
	if k.Config.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(k.Config.PrometheusURL)
		if err != nil {
			return fmt.Errorf("failed to create metrics query service: %w", err)
		}
	}

	k.Server = httpapi.NewServer(httpapi.Deps{
		Facade:        k.Facade,
		Conversations: k.Sessions,
		Agents:        k.Agents,
		Machines:      k.Machines,
		Approvals:     k.Approvals,
		Queries:       queries,
		DB:            k.Store.DB(),
	})

	k.Logger.Info("Kernel services initialized (provider: %s, model: %s, multi-agent: %v)",
		k.Config.LLM.Provider, k.Config.LLM.Model, k.Config.MultiAgentMode)
	return nil
}

// Start runs the background services: approval sweeper, audit worker, and
// the HTTP listener. Safe to call once.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.Approvals.StartSweeper(k.ctx)
	k.startAuditWorker()

	if err := k.Server.Start(k.ctx, k.Config.Addr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	k.running = true
	k.Logger.Info("🚀 conductor running on %s", k.Config.Addr)
	return nil
}

// Stop shuts the runtime down: cancel the lifecycle context (HTTP drain and
// sweeper exit), drain the audit queue, detach and close the journal, and
// close the database last.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}

	k.Logger.Info("Stopping kernel services...")

	// Cancelling first stops every producer; only then is closing the
	// audit channel safe.
	k.cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), k.Config.ShutdownTimeout())
	if err := k.DrainAuditQueue(drainCtx); err != nil {
		k.Logger.Warn("⚠️ audit queue drain issue: %v", err)
	}
	drainCancel()

	if k.detachJournal != nil {
		k.detachJournal()
		k.detachJournal = nil
	}
	if k.Journal != nil {
		if err := k.Journal.Close(); err != nil {
			k.Logger.Error("Error closing event journal: %v", err)
		}
	}

	if err := persistence.Close(); err != nil {
		k.Logger.Error("Error closing database: %v", err)
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

// DrainAuditQueue waits for the audit worker to write out everything that
// was queued when the lifecycle context ended.
func (k *Kernel) DrainAuditQueue(ctx context.Context) error {
	if k.auditDone == nil {
		return nil
	}
	select {
	case <-k.auditDone:
		k.Logger.Info("Audit queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout draining audit queue: %w", ctx.Err())
	}
}

// startAuditWorker runs the audit persistence worker. It consumes queued
// requests until the kernel context ends, drains whatever is still
// buffered, and signals done. The channel is never closed, so a straggling
// producer can never panic; its late records are simply dropped.
func (k *Kernel) startAuditWorker() {
	k.auditDone = make(chan struct{})
	queue := k.AuditQueue

	go func() {
		defer close(k.auditDone)
		k.Logger.Debug("audit worker started")

		for {
			select {
			case req := <-queue:
				k.processAudit(req)
			case <-k.ctx.Done():
				for {
					select {
					case req := <-queue:
						k.processAudit(req)
					default:
						k.Logger.Debug("audit worker finished draining queue")
						return
					}
				}
			}
		}
	}()
}

// processAudit writes one audit record. Failures are logged and dropped;
// audit rows are observational.
func (k *Kernel) processAudit(req *persistence.Request) {
	if req == nil {
		return
	}
	start := time.Now()
	if err := k.Store.Audit.Execute(req); err != nil {
		k.Logger.Error("Failed to persist %s audit record: %v", req.Operation, err)
		return
	}
	k.Logger.Debug("persisted %s audit record in %s", req.Operation, time.Since(start))
}
