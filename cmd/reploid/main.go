// Command reploid boots the agent substrate and runs a single goal from
// the command line:
//
//	reploid -config reploid.toml "Create a tool named AddNumbers that returns a+b"
//
// The substrate's collaborators are assembled from configuration: an
// OpenAI-compatible LLM provider, the embedded semantic store, a durable
// audit backend, and (optionally) the subprocess verification sandbox
// and OTEL observer wiring.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/internal/config"
	"github.com/clocksmith/reploid/observer"
	"github.com/clocksmith/reploid/provider/openaicompat"
	"github.com/clocksmith/reploid/semantic/chromem"
	"github.com/clocksmith/reploid/store/postgres"
	"github.com/clocksmith/reploid/store/sqlite"
	"github.com/clocksmith/reploid/tools/docimport"
	"github.com/clocksmith/reploid/tools/fsops"
	"github.com/clocksmith/reploid/tools/memops"
	"github.com/clocksmith/reploid/tools/toolsmith"
	"github.com/clocksmith/reploid/tools/web"
	"github.com/clocksmith/reploid/tools/workerops"
	"github.com/clocksmith/reploid/verify"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to reploid.toml")
	flag.Parse()

	goal := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(goal) == "" {
		fmt.Fprintln(os.Stderr, "usage: reploid [-config path] <goal>")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg, goal, logger)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(result.Output)
	if result.Halted {
		logger.Warn("loop halted", "reason", result.HaltReason, "iterations", result.Iterations)
	}
}

func run(ctx context.Context, cfg config.Config, goal string, logger *slog.Logger) (reploid.RunResult, error) {
	bus := reploid.NewEventBus()
	vfs := reploid.NewVFS(reploid.WithVFSEvents(bus), reploid.WithVFSLogger(logger))
	seedSubstrate(vfs)

	matrix := cfg.CapabilityMatrix()

	// Audit backend.
	var audit reploid.AuditLogger = reploid.SlogAudit{Logger: logger}
	switch cfg.Audit.Backend {
	case "sqlite":
		path := cfg.Audit.Path
		if path == "" {
			path = "reploid-audit.db"
		}
		st := sqlite.New(path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return reploid.RunResult{}, err
		}
		defer st.Close()
		audit = st
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Audit.DSN)
		if err != nil {
			return reploid.RunResult{}, err
		}
		defer pool.Close()
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			return reploid.RunResult{}, err
		}
		audit = st
	}

	// Verification: subprocess sandbox when configured, in-process
	// fallback otherwise.
	verifyOpts := []verify.ServiceOption{
		verify.WithSnapshot(func() map[string][]byte {
			return vfs.CreateSnapshot().Files
		}),
		verify.WithAllowedHosts(append(cfg.Sandbox.AllowedHosts, hostOf(cfg.LLM.Endpoint))),
		verify.WithLogger(logger),
	}
	if cfg.Sandbox.Binary != "" {
		verifyOpts = append(verifyOpts, verify.WithRunner(verify.NewSubprocessRunner(cfg.Sandbox.Binary)))
	}
	if cfg.Sandbox.TimeoutSecs > 0 {
		verifyOpts = append(verifyOpts, verify.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSecs)*time.Second))
	}
	verifier := verify.NewService(matrix, verifyOpts...)

	// LLM provider with retry middleware.
	endpoint := cfg.LLM.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	llm := reploid.WithRetry(
		openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, endpoint, openaicompat.WithName(cfg.LLM.Provider)),
		reploid.RetryLogger(logger),
	)

	// Tracing.
	var tracer reploid.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return reploid.RunResult{}, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		defer observer.BindEventBus(inst, bus)()
		tracer = observer.NewTracer()
	}

	schemas := reploid.NewSchemaRegistry(vfs, reploid.WithSchemaLogger(logger))
	ctxOpts := append([]reploid.ContextOption{
		reploid.WithContextEvents(bus),
		reploid.WithContextLogger(logger),
	}, contextRules(cfg)...)
	ctxmgr := reploid.NewContextManager(ctxOpts...)
	// Semantic tier: enabled when an embedding model is configured.
	var embedder reploid.EmbeddingProvider
	var semantic reploid.SemanticStore
	if cfg.Embedding.Model != "" {
		embedder = openaicompat.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, endpoint, cfg.Embedding.Dimensions)
		dir := cfg.Memory.SemanticDir
		if dir == "" {
			dir = "reploid-semantic"
		}
		st, err := chromem.NewPersistent(dir, embedder, chromem.WithLogger(logger))
		if err != nil {
			return reploid.RunResult{}, err
		}
		semantic = st
	}

	memOpts := []reploid.MemoryOption{
		reploid.WithMemoryEvents(bus),
		reploid.WithMemoryLogger(logger),
	}
	if cfg.Memory.WorkingTokenLimit > 0 {
		memOpts = append(memOpts, reploid.WithWorkingLimit(cfg.Memory.WorkingTokenLimit))
	}
	memory := reploid.NewMemoryManager(vfs, llm, embedder, semantic, memOpts...)

	deps := &reploid.Deps{
		VFS:      vfs,
		Bus:      bus,
		Audit:    audit,
		Schemas:  schemas,
		Memory:   memory,
		Context:  ctxmgr,
		Matrix:   matrix,
		Verifier: verifier,
		Provider: llm,
		Embedder: embedder,
		Semantic: semantic,
		Logger:   logger,
	}

	runnerOpts := []reploid.RunnerOption{reploid.WithRunnerLogger(logger)}
	if tracer != nil {
		runnerOpts = append(runnerOpts, reploid.WithRunnerTracer(tracer))
	}
	if cfg.Agent.ApprovalMode == reploid.ApprovalInteractive {
		runnerOpts = append(runnerOpts, reploid.WithApprover(terminalApprover{out: os.Stderr, in: os.Stdin}))
	}
	runner := reploid.NewToolRunner(deps, runnerOpts...)

	arena := reploid.NewArena(vfs, verifier,
		reploid.WithArenaEvents(bus),
		reploid.WithArenaAudit(audit),
		reploid.WithArenaLogger(logger),
	)
	deps.Arena = arena
	if cfg.Agent.ArenaGating {
		runner.SetArenaGating(true)
	}

	// Built-in tool packs.
	for _, pack := range [][]reploid.BuiltinTool{
		fsops.Tools(), toolsmith.Tools(), workerops.Tools(),
		web.Tools(), docimport.Tools(), memops.Tools(),
	} {
		if err := runner.RegisterBuiltin(pack...); err != nil {
			return reploid.RunResult{}, err
		}
	}
	if err := schemas.RegisterWorkerTypes(builtinWorkerTypes(), true); err != nil {
		return reploid.RunResult{}, err
	}
	if err := schemas.Init(); err != nil {
		return reploid.RunResult{}, err
	}
	if err := runner.Init(ctx); err != nil {
		return reploid.RunResult{}, err
	}

	workers := reploid.NewWorkerManager(vfs, llm, runner, schemas,
		reploid.WithWorkerEvents(bus),
		reploid.WithWorkerAudit(audit),
		reploid.WithWorkerLogger(logger),
		reploid.WithModelRoles(cfg.ModelRoles()),
	)
	runner.SetWorkerManager(workers)

	loopOpts := []reploid.LoopOption{
		reploid.WithLoopEvents(bus),
		reploid.WithLoopLogger(logger),
	}
	if tracer != nil {
		loopOpts = append(loopOpts, reploid.WithLoopTracer(tracer))
	}
	loop := reploid.NewAgentLoop(llm, runner, ctxmgr, memory, reploid.LoopConfig{
		Model:         reploid.ModelConfig{Model: cfg.LLM.Model},
		MaxIterations: cfg.Agent.MaxIterations,
	}, loopOpts...)

	return loop.Run(ctx, goal)
}

// contextRules converts the configured model table to manager options.
func contextRules(cfg config.Config) []reploid.ContextOption {
	var opts []reploid.ContextOption
	if rules := cfg.ModelLimitRules(); rules != nil {
		opts = append(opts, reploid.WithModelLimits(rules))
	}
	if cfg.Context.Defaults != (reploid.Limits{}) {
		opts = append(opts, reploid.WithDefaultLimits(cfg.Context.Defaults))
	}
	return opts
}

// builtinWorkerTypes maps worker types to their permission tiers.
func builtinWorkerTypes() map[string]reploid.WorkerTypeConfig {
	return map[string]reploid.WorkerTypeConfig{
		"explore": {
			Description:  "Read-only exploration: list, read, search.",
			AllowedTools: []string{"ListFiles", "ReadFile", "Grep"},
			ModelRole:    reploid.RoleFast,
		},
		"analyze": {
			Description:  "Read plus recall: exploration with memory access.",
			AllowedTools: []string{"ListFiles", "ReadFile", "Grep", "RecallMemory"},
			ModelRole:    reploid.RoleFast,
		},
		"execute": {
			Description:  "Full tool access under the parent's verification gates.",
			AllowedTools: []string{"*"},
			ModelRole:    reploid.RoleCode,
		},
	}
}

// seedSubstrate lays down the substrate marker tree so capability and
// gating checks have real paths to resolve against.
func seedSubstrate(vfs *reploid.VFS) {
	for _, dir := range []string{"/core", "/infrastructure", "/tools", "/apps", "/memory", "/.system", "/.logs"} {
		_ = vfs.Mkdir(dir)
	}
}

// terminalApprover is the interactive human gate: it prints the pending
// critical operation and reads a y/n line. Anything but an explicit
// "y"/"yes" is a rejection.
type terminalApprover struct {
	out io.Writer
	in  io.Reader
}

func (a terminalApprover) Approve(ctx context.Context, req reploid.ApprovalRequest) (bool, error) {
	fmt.Fprintf(a.out, "\napprove %s %s? [y/N] ", req.Tool, req.Args)
	answerCh := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(a.in)
		line, _ := reader.ReadString('\n')
		answerCh <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case answer := <-answerCh:
		return answer == "y" || answer == "yes", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func hostOf(endpoint string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.IndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
