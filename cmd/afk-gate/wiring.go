package main

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/codex-k8s/afk-gate/internal/audit"
	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/channel/telegram"
	"github.com/codex-k8s/afk-gate/internal/config"
	"github.com/codex-k8s/afk-gate/internal/gateway"
	"github.com/codex-k8s/afk-gate/internal/lifecycle"
	"github.com/codex-k8s/afk-gate/internal/maintenance"
	"github.com/codex-k8s/afk-gate/internal/poller"
	"github.com/codex-k8s/afk-gate/internal/rules"
	"github.com/codex-k8s/afk-gate/internal/store"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

type cli struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// deps is the wired engine shared by every command.
type deps struct {
	store     *store.Store
	rules     *rules.Engine
	renderer  *templates.Bundle
	audit     audit.Logger
	channel   channel.Channel
	lifecycle *lifecycle.Manager
	poller    *poller.Coordinator
	gateway   *gateway.Gateway
}

func (c *cli) open(ctx context.Context) (*deps, error) {
	s, err := store.Open(ctx, c.cfg.DBPath())
	if err != nil {
		return nil, err
	}
	bundle, err := templates.Load(c.cfg.Lang)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	d := &deps{
		store:    s,
		rules:    rules.New(s, c.logger),
		renderer: bundle,
		audit:    audit.NewStoreLogger(s, c.logger),
	}
	if c.cfg.TelegramEnabled() {
		d.channel = &telegram.Client{
			Token:    c.cfg.TelegramToken,
			ChatID:   c.cfg.TelegramChatID,
			BaseURL:  c.cfg.TelegramAPIURL,
			Limiter:  rate.NewLimiter(rate.Limit(c.cfg.SendRate), 1),
			Renderer: bundle,
			Logger:   c.logger,
		}
	} else {
		c.logger.Warn("telegram is not configured; requests will wait for timeout or a CLI resolve")
	}

	d.lifecycle = lifecycle.New(lifecycle.Options{
		Store:    s,
		Channel:  d.channel,
		Rules:    d.rules,
		Audit:    d.audit,
		Renderer: bundle,
		Logger:   c.logger,
	})

	gwOpts := gateway.Options{
		Store:         s,
		Rules:         d.rules,
		Channel:       d.channel,
		Resolver:      d.lifecycle,
		Audit:         d.audit,
		Renderer:      bundle,
		Logger:        c.logger,
		Timeout:       c.cfg.Timeout,
		TimeoutAction: c.cfg.TimeoutAction,
		PollInterval:  c.cfg.PollInterval,
	}
	if d.channel != nil {
		d.poller = &poller.Coordinator{
			LockPath:     c.cfg.LockPath(),
			Channel:      d.channel,
			Offsets:      s,
			Dispatcher:   d.lifecycle,
			GracePeriod:  c.cfg.GracePeriod,
			PollInterval: c.cfg.PollInterval,
			SkipBacklog:  true,
			Logger:       c.logger,
		}
		gwOpts.Poller = d.poller
	}
	d.gateway = gateway.New(gwOpts)
	return d, nil
}

func (d *deps) close() {
	if d.poller != nil {
		_ = d.poller.Release()
	}
	_ = d.store.Close()
}

func (c *cli) maintainer(d *deps) (*maintenance.Maintainer, error) {
	return maintenance.New(maintenance.Options{
		Store:          d.store,
		Resolver:       d.lifecycle,
		Schedule:       c.cfg.MaintenanceSchedule,
		SessionIdle:    c.cfg.SessionIdle,
		AuditRetention: c.cfg.AuditRetention,
		TimeoutAction:  c.cfg.TimeoutAction,
		Logger:         c.logger,
	})
}
