// Command chatctl is a terminal demo harness for the chat kernel: a REPL
// that drives one user's turns through the turn orchestrator and prints the
// event stream as it arrives. It is grounded on internal/ui/chat.go's
// readline-based loop, replacing GoClode's single-process CLI assistant
// with a client of the multi-tenant kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/brokerhq/chatkernel/internal/config"
	"github.com/brokerhq/chatkernel/internal/corelog"
	"github.com/brokerhq/chatkernel/internal/kernel"
	kctx "github.com/brokerhq/chatkernel/internal/kernel/context"
	"github.com/brokerhq/chatkernel/internal/kernel/plugins"
	"github.com/brokerhq/chatkernel/internal/kernel/thread"
	"github.com/brokerhq/chatkernel/internal/providers"
	"github.com/brokerhq/chatkernel/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("chatctl", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	user := fs.String("user", "local", "user id to run the session as")
	fs.Parse(os.Args[1:])

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log := corelog.Default()
	engine, err := store.NewEngine(cfg.DBPath(), store.WithLogger(log.With("store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := kernel.NewRegistry(log)

	threadMgr, err := thread.New(ctx, engine)
	if err != nil {
		return fmt.Errorf("init thread manager: %w", err)
	}
	reg.Register(kernel.RoleThread, threadMgr)

	contextMgr, err := kctx.New(ctx, engine, threadMgr, cfg.ContextCacheSize)
	if err != nil {
		return fmt.Errorf("init context manager: %w", err)
	}
	reg.Register(kernel.RoleContext, contextMgr)

	modelPlugin := plugins.NewModelPlugin("default", cfg.ModelBaseURL, cfg.ModelAPIKeyEnv, 0)
	reg.Register(kernel.RoleModel, modelPlugin)

	promptSeed := map[string]kernel.PromptInfo{
		"default": {Template: "You are a helpful assistant.", Description: "fallback system prompt"},
	}
	systemPromptPlugin := plugins.NewSystemPromptPlugin(0, promptSeed)
	if cfg.SystemPromptsFile != "" {
		if loaded, err := plugins.LoadPromptsFile(cfg.SystemPromptsFile); err == nil {
			for k, v := range loaded {
				systemPromptPlugin.Set(k, v)
			}
		}
		if err := engine.WatchFile(cfg.SystemPromptsFile, func() { systemPromptPlugin.ReloadFromFile(cfg.SystemPromptsFile) }); err != nil {
			log.Warnf("could not watch system prompts file %s: %v", cfg.SystemPromptsFile, err)
		}
	}
	reg.Register(kernel.RoleSystemPrompt, systemPromptPlugin)

	authPlugin := plugins.NewStaticAuthPlugin(map[string]string{*user: ""})
	reg.Register(kernel.RoleAuth, authPlugin)

	reg.RegisterTool(plugins.PingTool{})
	reg.RegisterTool(plugins.PingYieldTool{})
	reg.RegisterTool(plugins.WeatherTool{})

	if err := reg.Resolve(nil); err != nil {
		return fmt.Errorf("resolve plugins: %w", err)
	}
	if err := reg.Conform([]kernel.Role{
		kernel.RoleThread, kernel.RoleContext, kernel.RoleModel, kernel.RoleSystemPrompt, kernel.RoleAuth,
	}); err != nil {
		return fmt.Errorf("plugin conformance: %w", err)
	}

	orch := kernel.NewOrchestrator(reg, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	defer reg.Shutdown(context.Background(), cfg.ShutdownTimeout)
	defer engine.Close()

	return repl(ctx, orch, *user, cfg.ModelName)
}

func repl(ctx context.Context, orch *kernel.Orchestrator, userID, modelName string) error {
	prompt := "> "
	if isatty.IsTerminal(os.Stdout.Fd()) {
		prompt = "\033[36m>\033[0m "
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	var threadID *string
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}
		if rest, ok := strings.CutPrefix(line, "/raw "); ok {
			rawGenerate(ctx, rest)
			continue
		}

		for ev := range orch.ProcessMessage(ctx, userID, line, threadID, &modelName, nil) {
			printEvent(ev, &threadID)
		}
	}
}

// rawGenerate bypasses the turn orchestrator entirely and calls a provider
// directly: "/raw <provider-id> <prompt>", e.g. "/raw cerebras hello". It
// exists to exercise internal/providers outside the model plugin, the way
// internal/ui/chat.go's debug path once hit internal/core.Engine's provider
// registry directly.
func rawGenerate(ctx context.Context, rest string) {
	id, prompt, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(os.Stderr, "usage: /raw <provider-id> <prompt>")
		return
	}
	provider, err := providers.Lookup(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "raw:", err)
		return
	}
	if !provider.IsAvailable() {
		fmt.Fprintf(os.Stderr, "raw: provider %q is not configured (missing API key)\n", id)
		return
	}
	resp, err := provider.Generate(ctx, &providers.Request{
		Model:    "",
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "raw:", err)
		return
	}
	fmt.Fprintf(os.Stdout, "[%s/%s] %s\n", provider.ID(), resp.Model, resp.Content)
}

func printEvent(ev kernel.Event, threadID **string) {
	switch ev.Kind {
	case kernel.EventKindThreadID:
		id := ev.ThreadID
		*threadID = &id
	case kernel.EventKindThinkingTokens:
		fmt.Fprint(os.Stdout, "\033[2m"+ev.Content+"\033[0m")
	case kernel.EventKindMessageTokens:
		fmt.Fprint(os.Stdout, ev.Content)
	case kernel.EventKindToolUpdate:
		fmt.Fprintf(os.Stdout, "\n[tool %s] %s\n", ev.CallID, ev.Content)
	case kernel.EventKindStreamEnd:
		fmt.Fprintln(os.Stdout)
	case kernel.EventKindError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Message)
	}
}
