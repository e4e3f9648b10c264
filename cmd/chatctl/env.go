package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/marketchat/internal/auth"
	"github.com/ehrlich-b/marketchat/internal/chat"
	"github.com/ehrlich-b/marketchat/internal/config"
	"github.com/ehrlich-b/marketchat/internal/logger"
)

// cliEnv is what every command resolves before it runs.
type cliEnv struct {
	cfg        *config.Config
	configPath string
	dir        string
	token      string
	identity   string
	log        *slog.Logger
	logCloser  io.Closer
}

func (e *cliEnv) Close() {
	if e.logCloser != nil {
		e.logCloser.Close()
	}
}

// loadEnv reads config, installs the logger and resolves the bearer token and identity.
// needServer is false for commands that only touch local state.
func loadEnv(cmd *cobra.Command, needServer bool) (*cliEnv, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, "config.yaml")
	}

	cfg, err := config.Load(path, !explicit)
	if err != nil && needServer {
		return nil, err
	}
	if err != nil {
		cfg = config.Default()
	}

	level := cfg.Logging.Level
	if l, _ := cmd.Flags().GetString("log-level"); l != "" {
		level = l
	}
	closer, err := logger.Init(level, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	e := &cliEnv{cfg: cfg, configPath: path, dir: dir, log: logger.Log, logCloser: closer}
	e.token, e.identity, err = resolveIdentity(cfg, auth.NewTokenStore(dir))
	if err != nil && needServer {
		e.Close()
		return nil, err
	}
	return e, nil
}

// resolveIdentity prefers explicit configuration and falls back to the token saved by login.
// The identity defaults to the token's subject.
func resolveIdentity(cfg *config.Config, store *auth.TokenStore) (token, identity string, err error) {
	token = cfg.Token
	if token == "" {
		creds, err := store.Load()
		if err != nil {
			return "", "", err
		}
		if creds != nil {
			if !store.IsValid(creds) {
				return "", "", errors.New("saved token has expired; run chatctl login")
			}
			token = creds.Token
		}
	}
	identity = cfg.Identity
	if identity == "" && token != "" {
		identity, err = auth.Identity(token)
		if err != nil {
			return "", "", fmt.Errorf("identity from token: %w", err)
		}
	}
	if identity == "" {
		return "", "", errors.New("no identity: set identity in config or run chatctl login")
	}
	return token, identity, nil
}

func policyFromConfig(rc config.ReconnectConfig) chat.Policy {
	if rc.Fixed {
		return chat.FixedPolicy(rc.MaxAttempts, rc.BaseDelay)
	}
	return chat.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		Jitter:      rc.Jitter,
	}
}

func managerOptions(cfg *config.Config, token string, log *slog.Logger, reg prometheus.Registerer) chat.Options {
	opts := chat.Options{
		Dialer: chat.WSDialer{
			URL:       cfg.Server.URL,
			Token:     token,
			HeartBeat: cfg.Server.HeartBeat,
			Logger:    log,
		},
		Policy: policyFromConfig(cfg.Reconnect),
		Destinations: chat.Destinations{
			Inbound:  cfg.Server.Inbound,
			Send:     cfg.Server.SendTo,
			Presence: cfg.Server.Presence,
		},
		SendLimit:   rate.Limit(cfg.Send.RatePerSecond),
		SendBurst:   cfg.Send.Burst,
		DialTimeout: cfg.Server.DialTimeout,
		Logger:      log,
	}
	if reg != nil {
		opts.Metrics = chat.NewMetrics(reg)
	}
	return opts
}
