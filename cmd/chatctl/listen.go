package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/marketchat/internal/chat"
	"github.com/ehrlich-b/marketchat/internal/config"
	"github.com/ehrlich-b/marketchat/internal/history"
	"github.com/ehrlich-b/marketchat/internal/ntfy"
)

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect and print inbound messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, true)
			if err != nil {
				return err
			}
			defer env.Close()
			watch, _ := cmd.Flags().GetBool("watch")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, env, cmd.OutOrStdout(), watch)
		},
	}
	cmd.Flags().Bool("watch", true, "Reconnect as the new identity when the config file changes")
	return cmd
}

func runListen(ctx context.Context, env *cliEnv, out io.Writer, watch bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts := managerOptions(env.cfg, env.token, env.log, reg)
	opts.Hooks.OnStateChange = func(identity string, from, to chat.State) {
		fmt.Fprintf(out, "* %s: %s -> %s\n", identity, from, to)
	}
	var notifier *ntfy.Client
	if n := env.cfg.Notify; n.Topic != "" {
		notifier = ntfy.New(n.Topic, n.Token, n.Events, env.log)
		opts.Hooks.OnError = func(identity string, err error) {
			go notifier.SendFailed(identity, err)
		}
	}
	m := chat.NewManager(opts)
	defer m.Close()

	var store *history.Store
	if !env.cfg.History.Disable {
		var err error
		store, err = openHistory(env)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	c := newConsole(m, store, out, env.log)
	c.notifier = notifier
	c.switchTo(env.identity)
	defer c.stop()

	g, ctx := errgroup.WithContext(ctx)
	if addr := env.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			env.log.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if watch {
		if _, err := os.Stat(env.configPath); err == nil {
			g.Go(func() error {
				return config.Watch(ctx, env.configPath, env.log, func(cfg *config.Config) {
					if cfg.Identity != "" {
						c.switchTo(cfg.Identity)
					}
				})
			})
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func openHistory(env *cliEnv) (*history.Store, error) {
	path := env.cfg.History.Path
	if path == "" {
		if err := config.EnsureDir(env.dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", env.dir, err)
		}
		path = filepath.Join(env.dir, "history.db")
	}
	store, err := history.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

// console is the listen surface: it prints and records everything delivered to the current
// identity, and moves to a new identity by tearing the old session down.
type console struct {
	m        *chat.Manager
	store    *history.Store
	notifier *ntfy.Client
	out      io.Writer
	log      *slog.Logger

	mu       sync.Mutex
	identity string
	unsubs   []func()
}

func newConsole(m *chat.Manager, store *history.Store, out io.Writer, log *slog.Logger) *console {
	return &console{m: m, store: store, out: out, log: log}
}

func (c *console) print(env chat.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now()
	if env.Timestamp != nil {
		ts = env.Timestamp.Local()
	}
	who := chat.Counterpart(env.ConversationID, c.identity, env.ContextID)
	if who == "" {
		who = env.SenderID
	}
	fmt.Fprintf(c.out, "[%s] %s <%s> %s\n", ts.Format("15:04:05"), who, env.SenderID, env.Content)
}

// switchTo makes identity the console's identity. Switching to the current identity is a no-op.
func (c *console) switchTo(identity string) {
	c.mu.Lock()
	prev := c.identity
	if prev == identity {
		c.mu.Unlock()
		return
	}
	unsubs := c.unsubs
	c.identity = identity
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if prev != "" {
		c.log.Info("identity changed", "from", prev, "to", identity)
		c.m.Disconnect(prev)
	}

	next := []func(){c.m.OnMessage(identity, c.print)}
	if c.store != nil {
		next = append(next, c.m.OnMessage(identity, c.store.Handler(c.log)))
	}
	if c.notifier != nil {
		next = append(next, c.m.OnMessage(identity, c.notifier.Handler(identity)))
	}
	c.mu.Lock()
	c.unsubs = next
	c.mu.Unlock()
	c.m.Connect(identity)
}

func (c *console) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *console) stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
