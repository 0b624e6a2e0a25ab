package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/notify"
	"chatsync/internal/outbox"
	"chatsync/internal/presence"
	"chatsync/internal/stream"
	"chatsync/internal/transport"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "chatsync: realtime chat synchronization client",
		Long:  "chatsync keeps a local conversation view in sync with a chat backend: optimistic sends with a durable retry queue, live row-change subscriptions, and presence.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatsync/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}

	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg
}

// session bundles everything a connected command needs.
type session struct {
	cfg      *config.Config
	backend  *transport.WSBackend
	monitor  *transport.Monitor
	eventBus *bus.EventBus
	store    *outbox.Store
	client   *stream.Client
}

func openSession(cfg *config.Config) (*session, error) {
	if err := os.MkdirAll(config.ExpandPath(cfg.General.DataDir), 0o755); err != nil {
		return nil, err
	}
	store, err := outbox.Open(cfg.Sync.QueueDBPath, logger)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New(logger)
	monitor := transport.NewMonitor()
	backend := transport.NewWSBackend(transport.Config{
		URL:    cfg.Backend.URL,
		Token:  cfg.Backend.Token,
		Logger: logger,
	})

	client := stream.New(stream.Config{
		Backend:          backend,
		Queue:            store,
		Bus:              eventBus,
		Monitor:          monitor,
		UserID:           cfg.General.UserID,
		SendRetries:      cfg.Sync.SendRetries,
		SubscribeRetries: cfg.Sync.SubscribeRetries,
		Backoff:          backoff.Policy{Base: cfg.Sync.BackoffBase(), Cap: cfg.Sync.BackoffCap()},
		Logger:           logger,
	})

	return &session{
		cfg:      cfg,
		backend:  backend,
		monitor:  monitor,
		eventBus: eventBus,
		store:    store,
		client:   client,
	}, nil
}

func (s *session) close() {
	s.client.Unsubscribe()
	if err := s.backend.Close(); err != nil {
		logger.Debug("backend close", "err", err)
	}
	if err := s.store.Close(); err != nil {
		logger.Debug("outbox close", "err", err)
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow a conversation: live messages, presence, notifications",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	conversationID := args[0]
	if cfg.General.UserID == "" {
		return fmt.Errorf("general.userId is not set, run chatsync config set general.userId <id>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer sess.close()

	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	var relay *notify.Relay
	if cfg.Notifications.Enabled {
		rules, err := notify.LoadRules(cfg.Notifications.RulesPath, logger)
		if err != nil {
			logger.Warn("cannot load notification rules", "err", err)
		}
		relay = notify.New(notify.Config{
			Bus:   sess.eventBus,
			Rules: rules,
			Notify: func(title, body string) error {
				fmt.Printf("\n[%s] %s\n", title, body)
				return nil
			},
			Logger: logger,
		})
		relay.Init(cfg.General.UserID)
		defer relay.Dispose()
	}

	handlers := stream.Handlers{
		OnNewMessage: func(m domain.Message) {
			fmt.Printf("%s %s: %s\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Body)
		},
		OnMessageUpdated: func(prevID string, m domain.Message) {
			if prevID != m.ID {
				fmt.Printf("         (sent) %s -> %s\n", prevID, m.ID)
				return
			}
			fmt.Printf("         (edited) %s: %s\n", m.SenderID, m.Body)
		},
		OnMessageDeleted: func(id string) {
			fmt.Printf("         (deleted) %s\n", id)
		},
		OnReactionAdded: func(r domain.ReactionEvent) {
			fmt.Printf("         %s reacted %s to %s\n", r.UserID, r.Emoji, r.MessageID)
		},
		OnConnectionChange: func(up bool) {
			if up {
				logger.Info("connected", "conversation", conversationID)
			} else {
				logger.Warn("disconnected", "conversation", conversationID)
			}
		},
	}
	if err := sess.client.Subscribe(ctx, conversationID, handlers); err != nil {
		return err
	}

	pres := presence.New(presence.Config{
		Backend:     sess.backend,
		Monitor:     sess.monitor,
		Bus:         sess.eventBus,
		Logger:      logger,
		Heartbeat:   cfg.Presence.Heartbeat(),
		StaleAfter:  cfg.Presence.StaleAfter(),
		JoinRetries: cfg.Presence.JoinRetries,
		Backoff:     backoff.Policy{Base: cfg.Sync.BackoffBase(), Cap: cfg.Sync.BackoffCap()},
	})
	self := domain.PresenceRecord{
		UserID:   cfg.General.UserID,
		Username: cfg.General.Username,
		Status:   domain.StatusOnline,
	}
	if err := pres.Join(ctx, "conversation:"+conversationID, self); err != nil {
		logger.Warn("presence join failed", "err", err)
	}
	defer pres.Leave(context.Background())

	logger.Info("watching", "conversation", conversationID, "user", cfg.General.UserID)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [conversation-id] [text]",
		Short: "Send a message, waiting for server confirmation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.General.UserID == "" {
				return fmt.Errorf("general.userId is not set")
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			sess, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer sess.close()

			type confirmation struct{ tempID, id string }
			confirmed := make(chan confirmation, 16)
			handlers := stream.Handlers{
				OnMessageUpdated: func(prevID string, m domain.Message) {
					if prevID != m.ID {
						confirmed <- confirmation{tempID: prevID, id: m.ID}
					}
				},
			}
			if err := sess.client.Subscribe(ctx, args[0], handlers); err != nil {
				return err
			}

			msg, err := sess.client.Send(ctx, args[1], "")
			if err != nil {
				return err
			}

			// The drain may confirm backlog entries first; wait for ours.
			for {
				select {
				case c := <-confirmed:
					if c.tempID == msg.ID {
						fmt.Printf("sent %s\n", c.id)
						return nil
					}
				case <-ctx.Done():
					depth, _ := sess.store.Len(context.Background())
					fmt.Printf("queued %s (not yet confirmed, %d pending)\n", msg.ID, depth)
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for confirmation")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			fmt.Printf("chatsync %s\n", version)
			fmt.Printf("config:   %s\n", resolveConfigPath())
			fmt.Printf("backend:  %s\n", cfg.Backend.URL)
			fmt.Printf("user:     %s\n", cfg.General.UserID)

			store, err := outbox.Open(cfg.Sync.QueueDBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.All(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("queued:   %d message(s)\n", len(items))
			for _, it := range items {
				fmt.Printf("  %s  retries=%d  %q\n", it.TempID, it.Retries, it.Payload.Body)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. sync.sendRetries)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			out, _ := json.Marshal(val)
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. presence.joinRetries 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Sanitize(loadConfig())
			paths := config.ListPaths(cfg)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out, _ := json.Marshal(paths[k])
				fmt.Printf("%s = %s\n", k, string(out))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(resolveConfigPath())
			return nil
		},
	})

	return cmd
}
