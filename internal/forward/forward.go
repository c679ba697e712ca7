// Package forward mirrors displayed nudges to push services through
// shoutrrr. It subscribes to the lifecycle bus and never talks back to the
// engine; a slow or failing service only drops its own deliveries.
package forward

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"golang.org/x/time/rate"

	"nudge/internal/eventbus"
	"nudge/internal/nudge"
	rtsup "nudge/internal/runtime/supervisor"
	logx "nudge/pkg/logx"
)

// Sender abstracts message dispatch so the forwarder can be tested without
// hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via shoutrrr.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

type job struct {
	id   string
	text string
}

// Service is queue + worker pool + rate limit + retry. It is safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	unsub     func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && len(s.cfg.URLs) > 0
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	cfg.URLs = urls
	s.cfg = cfg
	// burst = rate per sec so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to displayed nudges and starts the workers. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || len(s.cfg.URLs) == 0 {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// forwarding is best-effort and must not take the engine down
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("forward.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return nil
		}, rtsup.WithPublishFirstError(true))
	}

	if s.bus != nil {
		types := []string{nudge.EventDisplayed}
		if s.cfg.Resumed {
			types = append(types, nudge.EventResumed)
		}
		ch, unsub := s.bus.Subscribe(s.cfg.QueueSize, types...)
		s.unsub = unsub
		s.sup.Go0("forward.pump", func(c context.Context) { s.pump(c, ch) })
	}
	s.log.Info("forwarder started", logx.Int("urls", len(s.cfg.URLs)), logx.Int("workers", s.cfg.Workers))
}

func (s *Service) pump(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			le, ok := ev.Data.(nudge.LifecycleEvent)
			if !ok {
				continue
			}
			if err := s.Forward(ctx, le); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("forward skipped", logx.String("id", le.ID), logx.Err(err))
			}
		}
	}
}

// Stop stops intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}

	s.mu.Lock()
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	s.log.Info("forwarder stopped")
}

// Forward queues a displayed nudge for delivery.
func (s *Service) Forward(ctx context.Context, ev nudge.LifecycleEvent) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if !meets(ev.Importance, s.cfg.MinImportance) {
		s.mu.Unlock()
		return nil
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{id: ev.ID, text: Format(ev)}:
		return nil
	default:
		s.publish(EventDropped, Event{ID: ev.ID, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Format renders a nudge as a plain-text push message.
func Format(ev nudge.LifecycleEvent) string {
	title := strings.TrimSpace(ev.Title)
	msg := strings.TrimSpace(ev.Message)
	switch {
	case title == "":
		return msg
	case msg == "":
		return title
	default:
		return title + "\n" + msg
	}
}

func meets(have, min nudge.Importance) bool {
	rank := func(i nudge.Importance) int {
		switch i {
		case nudge.ImportanceLow:
			return 0
		case nudge.ImportanceHigh:
			return 2
		default:
			return 1
		}
	}
	if min == "" {
		return true
	}
	return rank(have) >= rank(min)
}

// Recent returns the most recent successful deliveries.
func (s *Service) Recent() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(id, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ID: id, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			urls := append([]string(nil), s.cfg.URLs...)
			s.mu.Unlock()
			for _, u := range urls {
				s.sendWithRetry(ctx, j, u)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job, url string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if j.text == "" {
		return
	}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		err := s.sender.Send(url, j.text)
		if err == nil {
			s.appendHistory(j.id, j.text)
			s.publish(EventSent, Event{ID: j.id, URL: redact(url), At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("forward send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	if lastErr != nil {
		s.log.Warn("forward failed", logx.String("id", j.id), logx.String("url", redact(url)), logx.Err(lastErr))
		s.publish(EventFailed, Event{ID: j.id, URL: redact(url), At: time.Now(), Error: lastErr.Error()})
	}
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

// redact keeps the scheme and host of a service URL and drops credentials.
func redact(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "***"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + "://" + rest
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
