package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	rtsup "postbot/internal/runtime/supervisor"
	logx "postbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sender delivers one text message. telegram.Client implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) (int, error)
}

type Config struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	RatePerMin int
	QueueSize  int
	// DedupWindow suppresses identical texts sent within the window.
	DedupWindow time.Duration
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor
	unsub     func()
	dedup     map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
		dedup:   map[string]time.Time{},
	}
}

// Enabled reports whether alerts can be delivered.
func (s *Service) Enabled() bool {
	return s != nil && s.cfg.Enabled && s.sender != nil && s.cfg.ChatID != 0
}

// Start subscribes to the bus and starts the sender. It is a no-op when
// the service is disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64)
	}
	s.mu.Unlock()

	if events != nil {
		sup.Go0("notify.events", func(c context.Context) { s.eventLoop(c, events) })
	}
	sup.GoRestart("notify.sender", func(c context.Context) error {
		s.senderLoop(c, q)
		return c.Err()
	}, time.Second, 30*time.Second)
	s.log.Info("alerts enabled", logx.Int64("chat_id", s.cfg.ChatID), logx.Int("rate_per_min", s.cfg.RatePerMin))
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(q)
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	return nil
}

// Notify queues text for delivery.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	if !s.dedupAllowLocked(text, time.Now()) {
		return nil
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.log.Warn("alert dropped: queue full")
		return ErrQueueFull
	}
}

func (s *Service) dedupAllowLocked(text string, now time.Time) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[text] = now.Add(s.cfg.DedupWindow)
	return true
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			text := FormatEvent(e)
			if text == "" {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("alert not queued", logx.Err(err))
			}
		}
	}
}

func (s *Service) senderLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := s.sender.SendText(cctx, s.cfg.ChatID, s.cfg.ThreadID, text)
			cancel()
			item := HistoryItem{At: time.Now(), Text: text}
			if err != nil {
				item.Error = err.Error()
				s.log.Warn("alert send failed", logx.Err(err))
			}
			s.appendHistory(item)
		}
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// History returns recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	if s == nil {
		return nil
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// FormatEvent renders the alert text for e, or "" when e is not alert-worthy.
func FormatEvent(e eventbus.Event) string {
	pe, ok := e.Data.(eventbus.PostEvent)
	if !ok {
		return ""
	}
	switch e.Type {
	case eventbus.PostFailed:
		msg := fmt.Sprintf("postbot: post #%d to %s failed", pe.PostID, pe.Platform)
		if pe.Error != "" {
			msg += ": " + pe.Error
		}
		return msg
	case eventbus.PostBlocked:
		return fmt.Sprintf("postbot: post #%d is waiting, platform %s is not configured", pe.PostID, pe.Platform)
	default:
		return ""
	}
}
