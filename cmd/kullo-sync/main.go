package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/kullo-sync/internal/config"
	"github.com/alexjbarnes/kullo-sync/internal/credential"
	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/logging"
	"github.com/alexjbarnes/kullo-sync/internal/mcpserver"
	"github.com/alexjbarnes/kullo-sync/internal/outbox"
	"github.com/alexjbarnes/kullo-sync/internal/scheduler"
	"github.com/alexjbarnes/kullo-sync/internal/state"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/internal/syncer"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

var Version = "dev"

func main() {
	var err error

	switch {
	case len(os.Args) > 1 && os.Args[1] == "store-master-key":
		err = storeMasterKey()
	case len(os.Args) > 1 && os.Args[1] == "sync":
		mode := ""
		if len(os.Args) > 2 {
			mode = os.Args[2]
		}

		err = syncOnce(mode)
	case len(os.Args) > 1 && os.Args[1] == "version":
		fmt.Println(Version)
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// storeMasterKey reads the master key from stdin and saves it in the
// keyring for KULLO_ADDRESS.
func storeMasterKey() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Fprint(os.Stderr, "Enter master key: ")

	scanner := bufio.NewScanner(os.Stdin)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading master key: %w", err)
	}

	mk, err := kullo.ParseMasterKey(strings.Join(lines, " "))
	if err != nil {
		return err
	}

	creds, err := credential.Open(cfg.KeyringService, cfg.DataDir)
	if err != nil {
		return err
	}

	if err := creds.SetMasterKey(cfg.Account(), mk); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "master key stored for %s\n", cfg.Account())

	return nil
}

// account is everything a sync needs, opened from the config.
type account struct {
	cfg    *config.Config
	state  *state.State
	store  *store.Store
	creds  kullo.Credentials
	syncer *syncer.Syncer
}

func (a *account) Close() {
	if a.store != nil {
		a.store.Close()
	}

	if a.state != nil {
		a.state.Close()
	}
}

func masterKey(cfg *config.Config) (kullo.MasterKey, error) {
	if cfg.MasterKey != "" {
		return kullo.ParseMasterKey(cfg.MasterKey)
	}

	creds, err := credential.Open(cfg.KeyringService, cfg.DataDir)
	if err != nil {
		return kullo.MasterKey{}, err
	}

	mk, err := creds.MasterKey(cfg.Account())
	if errors.Is(err, credential.ErrNoMasterKey) {
		return kullo.MasterKey{}, fmt.Errorf("%w: set KULLO_MASTER_KEY or run %s store-master-key", err, os.Args[0])
	}

	return mk, err
}

func openAccount(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*account, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	mk, err := masterKey(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("deriving credentials")

	creds, err := kullo.DeriveCredentials(cfg.Account(), mk)
	if err != nil {
		return nil, fmt.Errorf("deriving credentials: %w", err)
	}

	a := &account{cfg: cfg, creds: creds}

	a.state, err = state.Load(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a.store, err = store.Open(ctx, cfg.SessionPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening session: %w", err)
	}

	a.syncer = syncer.New(syncer.Config{
		API:         kullo.NewClient(nil, cfg.APIURL, creds),
		Store:       a.store,
		Credentials: creds,
		Events: syncer.Events{
			MessageAdded: func(convID, msgID int64) {
				logger.Debug("message added", slog.Int64("conversation", convID), slog.Int64("message", msgID))
			},
			DraftPartTooBig: func(convID int64, part syncer.DraftPart, size, limit int64) {
				logger.Warn("draft too big to send",
					slog.Int64("conversation", convID),
					slog.String("part", string(part)),
					slog.Int64("size", size),
					slog.Int64("limit", limit),
				)
			},
		},
	}, logger)

	return a, nil
}

// syncOnce runs a single sync in the foreground and records it like the
// daemon would.
func syncOnce(modeArg string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	mode := cfg.Mode()
	if modeArg != "" {
		mode, err = config.ParseSyncMode(modeArg)
		if err != nil {
			return err
		}
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openAccount(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.syncer, a.state, logger)
	sched.SetListener(printListener{w: os.Stdout})
	sched.RequestSync(mode)

	// Ctrl-C cancels the running job cooperatively; the scheduler then
	// drains and Run returns once the context ends.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		<-ctx.Done()
		sched.Cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- sched.Run(runCtx) }()

	for {
		st := sched.Status()
		if st.Running == nil && st.PendingSync == nil && len(st.PendingAttachments) == 0 {
			break
		}

		time.Sleep(100 * time.Millisecond)
	}

	cancelRun()
	<-done

	last, err := a.state.LastRun(mode.String())
	if err != nil {
		return err
	}

	if last != nil && !last.OK() {
		if last.Canceled {
			return apperrors.ErrSyncCanceled
		}

		return errors.New(last.Error)
	}

	return nil
}

// printListener writes a one-line summary of each finished job.
type printListener struct {
	w io.Writer
}

func (l printListener) Finished(job scheduler.Job, p syncer.SyncProgress) {
	fmt.Fprintf(l.w, "%s: %d new, %d modified, %d deleted, %d bytes sent, %d bytes of attachments received in %s\n",
		job.Kind(), p.Incoming.CountNew, p.Incoming.CountModified, p.Incoming.CountDeleted,
		p.Outgoing.UploadedBytes, p.Attachments.DownloadedBytes, p.RunTime.Round(time.Millisecond))
}

func (l printListener) Failed(job scheduler.Job, _ syncer.SyncProgress, err error) {
	fmt.Fprintf(l.w, "%s: failed: %v\n", job.Kind(), err)
}

func (l printListener) Canceled(job scheduler.Job, _ syncer.SyncProgress) {
	fmt.Fprintf(l.w, "%s: canceled\n", job.Kind())
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the MCP protocol when it is enabled.
	out := io.Writer(os.Stdout)
	if cfg.EnableMCP {
		out = os.Stderr
	}

	logger := logging.NewLoggerTo(out, cfg.Environment, cfg.LogLevel)
	logger.Info("kullo-sync starting",
		slog.String("version", Version),
		slog.String("address", cfg.Address),
		slog.String("mode", cfg.SyncMode),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("push", cfg.NotifyURL != ""),
		slog.Bool("outbox", cfg.OutboxDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openAccount(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.syncer, a.state, logger.With(slog.String("service", "scheduler")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return runPeriodic(gctx, cfg, sched)
	})

	if cfg.NotifyURL != "" {
		g.Go(func() error {
			return runNotifier(gctx, a, sched, logger.With(slog.String("service", "push")))
		})
	}

	if cfg.OutboxDir != "" {
		box := outbox.New(outbox.Config{
			Dir:          cfg.OutboxDir,
			Store:        a.store,
			Tracker:      a.state,
			Self:         cfg.Account(),
			Name:         cfg.UserName,
			Organization: cfg.UserOrganization,
			Footer:       cfg.UserFooter,
			RequestSync:  sched.RequestSync,
		}, logger.With(slog.String("service", "outbox")))

		g.Go(func() error {
			return box.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a, sched, logger.With(slog.String("service", "mcp")))
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// runPeriodic requests a sync at startup and then every SyncInterval. A
// zero interval means only the startup sync.
func runPeriodic(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler) error {
	sched.RequestSync(cfg.Mode())

	if cfg.SyncInterval == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sched.RequestSync(cfg.Mode())
		}
	}
}

// runNotifier turns server pushes into syncs. Push failures are logged and
// retried by the notifier itself; periodic syncs keep working meanwhile.
func runNotifier(ctx context.Context, a *account, sched *scheduler.Scheduler, logger *slog.Logger) error {
	device, err := a.state.ClientID()
	if err != nil {
		return fmt.Errorf("reading client id: %w", err)
	}

	n := kullo.NewNotifier(kullo.NotifierConfig{
		URL:         a.cfg.NotifyURL,
		Device:      device,
		Cursor:      a.state.NotifyCursor(),
		Credentials: a.creds,
		OnChange: func(ev kullo.ChangeEvent) {
			logger.Debug("server change", slog.String("kind", string(ev.Kind)), slog.Int64("cursor", ev.Cursor))

			mode := syncer.WithoutAttachments
			if a.cfg.Mode() == syncer.Everything {
				mode = syncer.Everything
			}

			sched.RequestSync(mode)

			if err := a.state.SetNotifyCursor(ev.Cursor); err != nil {
				logger.Warn("failed to save notify cursor", slog.String("error", err.Error()))
			}
		},
	}, logger)
	defer n.Close()

	return n.Listen(ctx)
}

// runMCP serves the mailbox tools over stdio.
func runMCP(ctx context.Context, a *account, sched *scheduler.Scheduler, logger *slog.Logger) error {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "kullo-sync", Version: Version},
		nil,
	)

	mcpserver.RegisterTools(server, mcpserver.Deps{
		Store:     a.store,
		Scheduler: sched,
		Runs:      a.state,
		Self:      a.cfg.Account(),
	})

	logger.Info("MCP server listening on stdio")

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return ctx.Err()
}
