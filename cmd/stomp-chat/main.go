package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/client"
	"github.com/omochice/stomp-chat/internal/config"
	"github.com/omochice/stomp-chat/internal/history"
	"github.com/omochice/stomp-chat/internal/kv"
	"github.com/omochice/stomp-chat/internal/moderation"
	"github.com/omochice/stomp-chat/internal/profile"
	"github.com/omochice/stomp-chat/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	apiBase  string
	dataDir  string
	logLevel string
	noNotice bool
)

var rootCmd = &cobra.Command{
	Use:   "stomp-chat",
	Short: "Anonymous chat client for a STOMP-over-WebSocket broker",
	Long: `Connects to the public chat topic, restores recent history and lets you
talk from the terminal.

Settings come from STOMPCHAT_* environment variables, a .env file in the
working directory and the YAML file named by STOMPCHAT_CONFIG. Flags win.

Commands while chatting:
  /nick <name>   change your nickname
  /clear         clear the local message log
  /quit          leave`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.Flags().StringVar(&apiBase, "api-base", "", "Chat server base URL (e.g., http://localhost:8080)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for persisted profile and messages (empty keeps everything in memory)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&noNotice, "quiet", false, "Hide connection notices")
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if apiBase != "" {
		cfg.Server.APIBase = apiBase
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noNotice {
		cfg.Session.SystemNotices = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctrl, err := newController(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := newView(cmd.OutOrStdout())
	cancelView := ctrl.OnChange(v.update)
	defer cancelView()

	if err := ctrl.Mount(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer func() {
		if err := ctrl.Unmount(); err != nil {
			logger.Warn().Err(err).Msg("unmount failed")
		}
	}()

	v.intro(ctrl.Snapshot(), cfg.Server.APIBase)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Warn().Err(err).Msg("error reading input")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctrl, v, line, logger); quit {
				return nil
			}
		}
	}
}

func newController(cfg *config.Config, store kv.Store, logger zerolog.Logger) (*session.Controller, error) {
	url, err := cfg.EndpointURL()
	if err != nil {
		return nil, err
	}

	transport := client.NewSTOMPClient(client.Options{
		URL:            url,
		ReconnectDelay: cfg.Server.ReconnectDelay,
		HeartBeat:      cfg.Server.HeartBeat,
		Logger:         logger,
	})

	opts := []session.Option{
		session.WithDestinations(cfg.Server.Topic, cfg.Server.SendDestination),
		session.WithSystemNotices(cfg.Session.SystemNotices),
		session.WithOptimisticEcho(cfg.Session.OptimisticEcho),
		session.WithMasker(moderation.NewMasker(cfg.Moderation.Blocklist)),
		session.WithLogger(logger),
	}
	if cfg.History.Enabled {
		h := history.New(cfg.Server.APIBase, history.WithLogger(logger))
		opts = append(opts, session.WithHistory(h, cfg.History.Limit))
	}

	return session.New(transport,
		profile.NewStore(store, profile.WithLogger(logger)),
		moderation.NewGate(store,
			moderation.WithLimit(cfg.Moderation.RateLimit, cfg.Moderation.RateWindow),
			moderation.WithLogger(logger),
		),
		chat.NewLog(store,
			chat.WithMaxMessages(cfg.Session.MaxMessages),
			chat.WithLogger(logger),
		),
		opts...,
	), nil
}

// handleLine runs one line of input and reports whether to quit.
func handleLine(ctrl *session.Controller, v *view, line string, logger zerolog.Logger) bool {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return false
	case text == "/quit" || text == "/exit":
		return true
	case text == "/clear":
		ctrl.Clear()
		v.reset()
		return false
	case text == "/nick" || strings.HasPrefix(text, "/nick "):
		p := ctrl.Rename(strings.TrimPrefix(text, "/nick"))
		v.status(fmt.Sprintf("you are now %s", p.Nickname))
		return false
	}

	if err := ctrl.Send(text); err != nil && !errors.Is(err, session.ErrEmptyMessage) {
		logger.Debug().Err(err).Msg("send rejected")
	}
	return false
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func openStore(cfg *config.Config, logger zerolog.Logger) (kv.Store, func(), error) {
	if cfg.DataDir == "" {
		return kv.NewMemory(), func() {}, nil
	}

	dir, err := kv.OriginDir(cfg.DataDir, cfg.Server.APIBase)
	if err != nil {
		return nil, nil, err
	}
	db, err := kv.OpenPebble(dir)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug().Str("dir", dir).Msg("opened storage")

	return db, func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close storage")
		}
	}, nil
}
