// Package telegram implements the collector: a gotd MTProto client that
// tails configured channels and backfills their history into the raw store
// and the extraction queue.
//
// The client runs with a file-backed session, bbolt-backed updates state
// (so gap recovery survives restarts), a FLOOD_WAIT-aware waiter and a
// global RPC rate limit. Tail and backfill share one persistence path;
// they differ only in the job source they stamp.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/internal/registry"
)

// Global RPC pacing for the MTProto connection. History paging has its own
// limiter on top (BACKFILL_RPS); this one just keeps bursts of resolves and
// state catch-up under Telegram's radar.
const (
	rpcRate  = rate.Limit(8)
	rpcBurst = 16
)

// Collector owns the Telegram client and the channel allowlist. One
// Collector serves either Tail or Backfill per process run; both need the
// client connected and authenticated.
type Collector struct {
	cfg config.Config
	raw domain.RawStore
	q   domain.Queue
	reg *registry.Registry

	client  *telegram.Client
	waiter  *floodwait.Waiter
	updMgr  *tgupdates.Manager
	stateDB *bbolt.DB
	limiter *rate.Limiter

	mu      sync.RWMutex
	allowed map[int64]channelInfo // keyed by bare channel id; empty means all channels
}

// channelInfo is a resolved configured channel. accessHash comes from the
// resolve step and is required for raw API calls against the channel.
type channelInfo struct {
	bareID     int64
	accessHash int64
	username   string
	title      string
}

// NewCollector wires the gotd client. It does not connect; Tail and
// Backfill do that through Run. Close releases the updates state database.
func NewCollector(cfg config.Config, raw domain.RawStore, q domain.Queue, reg *registry.Registry) (*Collector, error) {
	if cfg.TGAPIID == 0 || cfg.TGAPIHash == "" {
		return nil, fmt.Errorf("op=telegram.new: TG_API_ID and TG_API_HASH must be set: %w", domain.ErrInvalidArgument)
	}
	for _, p := range []string{cfg.TGSessionFile, cfg.TGStateFile} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("op=telegram.new: create %s: %w", dir, err)
			}
		}
	}
	stateDB, err := bbolt.Open(cfg.TGStateFile, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("op=telegram.new: open state db: %w", err)
	}

	tgLog := zap.NewNop()
	if cfg.IsDev() {
		if l, err := zap.NewDevelopment(); err == nil {
			tgLog = l
		}
	}

	dispatcher := tg.NewUpdateDispatcher()
	updMgr := tgupdates.New(tgupdates.Config{
		Handler: dispatcher,
		Storage: boltstor.NewStateStorage(stateDB),
		Logger:  tgLog.Named("updates"),
	})

	// The updates manager needs the client to exist and the client needs an
	// update handler, so the handler is set after construction.
	lazy := &lazyHandler{}
	waiter := floodwait.NewWaiter()
	client := telegram.NewClient(cfg.TGAPIID, cfg.TGAPIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.TGSessionFile},
		UpdateHandler:  lazy,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rpcRate, rpcBurst),
		},
		Logger: tgLog.Named("mtproto"),
		Device: telegram.DeviceConfig{
			DeviceModel:   "tutordex-collector",
			SystemVersion: "linux",
			AppVersion:    "1.0",
		},
	})
	lazy.set(updMgr)

	c := &Collector{
		cfg:     cfg,
		raw:     raw,
		q:       q,
		reg:     reg,
		client:  client,
		waiter:  waiter,
		updMgr:  updMgr,
		stateDB: stateDB,
		limiter: rate.NewLimiter(rate.Limit(cfg.BackfillRPS), 1),
		allowed: make(map[int64]channelInfo),
	}
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)
	dispatcher.OnEditChannelMessage(c.onEditChannelMessage)
	dispatcher.OnDeleteChannelMessages(c.onDeleteChannelMessages)
	return c, nil
}

// Close releases the updates state database. Call after Tail or Backfill
// returns.
func (c *Collector) Close() error {
	return c.stateDB.Close()
}

// run connects, authenticates and hands control to f. With withUpdates set
// it also runs the updates manager so the dispatcher receives channel
// posts; the manager dying cancels f's context so a broken update stream
// does not leave the tail silently deaf.
func (c *Collector) run(ctx context.Context, withUpdates bool, f func(ctx context.Context) error) error {
	return c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.client.Run(ctx, func(ctx context.Context) error {
			self, err := c.login(ctx)
			if err != nil {
				return err
			}
			slog.Info("telegram session ready",
				slog.Int64("user_id", self.ID),
				slog.String("username", self.Username))

			if !withUpdates {
				return f(ctx)
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			var mgrErr error
			done := make(chan struct{})
			go func() {
				defer close(done)
				defer cancel()
				err := c.updMgr.Run(runCtx, c.client.API(), self.ID, tgupdates.AuthOptions{})
				if err != nil && !errors.Is(err, context.Canceled) {
					mgrErr = err
				}
			}()

			ferr := f(runCtx)
			cancel()
			<-done
			switch {
			case mgrErr != nil:
				return fmt.Errorf("op=telegram.updates: %w", mgrErr)
			case ferr != nil && !errors.Is(ferr, context.Canceled):
				return ferr
			}
			return ctx.Err()
		})
	})
}

// login completes the auth flow if the session file has no authorization
// yet. Auth failures are fatal for the process: a collector that cannot
// sign in has nothing to do.
func (c *Collector) login(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(terminalAuth{phone: c.cfg.TGPhone}, auth.SendCodeOptions{})
	if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, fmt.Errorf("op=telegram.auth: %w", err)
	}
	self, err := c.client.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=telegram.self: %w", err)
	}
	return self, nil
}

// lazyHandler breaks the client <-> updates manager construction cycle:
// the client is built with this placeholder and the real handler is set
// once the manager exists.
type lazyHandler struct {
	mu sync.RWMutex
	h  telegram.UpdateHandler
}

func (l *lazyHandler) set(h telegram.UpdateHandler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *lazyHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	l.mu.RLock()
	h := l.h
	l.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h.Handle(ctx, u)
}
