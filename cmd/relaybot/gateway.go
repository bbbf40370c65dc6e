package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/channels"
	"github.com/dotsetgreg/relaybot/pkg/commands"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/conversation"
	"github.com/dotsetgreg/relaybot/pkg/dispatch"
	"github.com/dotsetgreg/relaybot/pkg/health"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/providers"
	"github.com/dotsetgreg/relaybot/pkg/scheduler"
	"github.com/dotsetgreg/relaybot/pkg/session"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

// gatewayRuntime is one wired gateway: session, pipeline, outbox and scheduled jobs
// over a shared bus and store.
type gatewayRuntime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	store    *store.SQLiteStore
	session  *session.Manager
	pipeline *dispatch.Pipeline
	outbox   *dispatch.Outbox
	jobs     *dispatch.BroadcastJobs
	bcast    *dispatch.Broadcaster
}

func newGatewayRuntime(ctx context.Context, cfg *config.Config, transport session.Transport, out io.Writer) (*gatewayRuntime, error) {
	st, err := store.Open(cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	if err := st.Seed(ctx, cfg); err != nil {
		logger.WarnCF("gateway", "Seeding defaults was incomplete", map[string]interface{}{"error": err.Error()})
	}

	mb := bus.NewMessageBus()
	mgr := session.NewManager(transport, session.NewFileCredentialStore(cfg.CredentialsPath()), mb, session.Options{
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		Presenter: session.PairingPresenterFunc(func(code string) {
			fmt.Fprintf(out, "\nPair this device with the code below:\n\n%s\n\n", code)
		}),
	})

	var checkpoint conversation.Checkpointer
	if cfg.Conversation.Checkpoint {
		checkpoint = st
	}
	history := conversation.NewStore(cfg.Conversation.HistoryCap, cfg.Conversation.SystemPrompt, checkpoint)

	var replier dispatch.Replier
	if cfg.Conversation.AIEnabled {
		completer, err := providers.NewCompleterFromConfig(cfg)
		if err != nil {
			logger.WarnCF("gateway", "AI replies disabled", map[string]interface{}{"error": err.Error()})
		} else {
			replier = conversation.NewAssistant(history, completer, cfg.Bot.Messages.AIUnavailable)
		}
	}

	broadcaster := dispatch.NewBroadcaster(mgr, st, st, cfg.BroadcastDelay())
	jobs := dispatch.NewBroadcastJobs(st, broadcaster, scheduler.Options{Location: cfg.Location()})

	cmds := commands.NewDispatcher(cfg.Bot.Admins, st)
	if err := commands.RegisterBuiltins(cmds, commands.Deps{
		BotName:       cfg.Bot.Name,
		Prefix:        cfg.Bot.Prefix,
		Version:       formatVersion(),
		Session:       mgr,
		History:       history,
		Subscriptions: st,
		Bus:           mb,
		Broadcasts:    broadcaster,
		Schedules:     jobs,
		Stats:         st,
	}); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register commands: %w", err)
	}

	pipeline := dispatch.NewPipeline(mgr, st, st, autoreply.NewResolver(st), cmds, replier, dispatch.Options{
		Prefix:        cfg.Bot.Prefix,
		Messages:      cfg.Bot.Messages,
		AIEnabled:     replier != nil,
		MaxConcurrent: cfg.Bot.MaxConcurrent,
	})

	return &gatewayRuntime{
		cfg:      cfg,
		bus:      mb,
		store:    st,
		session:  mgr,
		pipeline: pipeline,
		outbox:   dispatch.NewOutbox(mgr, st),
		jobs:     jobs,
		bcast:    broadcaster,
	}, nil
}

// start loads scheduled broadcasts, connects the session and starts the
// consumers. Consumers stop when ctx is cancelled.
func (g *gatewayRuntime) start(ctx context.Context) error {
	if _, err := g.jobs.Load(ctx); err != nil {
		logger.WarnCF("gateway", "Some scheduled messages were not loaded", map[string]interface{}{"error": err.Error()})
	}
	if err := g.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	g.pipeline.Start(ctx, g.bus)
	go g.outbox.Run(ctx, g.bus)
	return nil
}

// stop stops the scheduler and background broadcasts, terminates the
// session and gives in-flight messages the configured grace period. The
// context passed to start must already be cancelled.
func (g *gatewayRuntime) stop() {
	grace := g.cfg.ShutdownGrace()
	g.jobs.Stop()
	g.bcast.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := g.session.Shutdown(ctx); err != nil {
		logger.WarnCF("gateway", "Session shutdown", map[string]interface{}{"error": err.Error()})
	}
	if !g.pipeline.Wait(grace) {
		logger.WarnCF("gateway", "In-flight messages did not finish in time", map[string]interface{}{
			"grace": grace.String(),
		})
	}
	g.bus.Close()
	if err := g.store.Close(); err != nil {
		logger.WarnCF("gateway", "Closing store", map[string]interface{}{"error": err.Error()})
	}
}

func runGateway(parent context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	transport, err := channels.NewTransport(cfg)
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rt, err := newGatewayRuntime(ctx, cfg, transport, out)
	if err != nil {
		return err
	}

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, rt.session, rt.store)
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	fmt.Fprintf(out, "✓ Health endpoints available at http://%s:%d/health and /ready\n", cfg.Gateway.Host, cfg.Gateway.Port)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := rt.start(runCtx); err != nil {
		cancel()
		rt.stop()
		_ = healthServer.Stop(context.Background())
		return err
	}
	fmt.Fprintf(out, "✓ Gateway started with %s transport\n", transport.Name())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
	case <-rt.session.Terminated():
		st := rt.session.Status()
		runErr = fmt.Errorf("session terminated (%s); re-pair with the bridge or check the transport", st.StateName)
	}

	cancel()
	rt.stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = healthServer.Stop(stopCtx)
	fmt.Fprintln(out, "✓ Gateway stopped")
	return runErr
}

func runChat(parent context.Context, cfg *config.Config, out io.Writer) error {
	console := channels.NewConsoleTransport(cfg.Bot.Name)

	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rt, err := newGatewayRuntime(ctx, cfg, console, out)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := rt.start(runCtx); err != nil {
		cancel()
		rt.stop()
		return err
	}
	fmt.Fprintf(out, "Chatting with %s. Type %shelp for commands, Ctrl+D to quit.\n", cfg.Bot.Name, cfg.Bot.Prefix)

	select {
	case <-ctx.Done():
	case <-console.Done():
	case <-rt.session.Terminated():
	}
	cancel()
	rt.stop()
	return nil
}
