package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type BetFinder interface {
	FindBets(ctx context.Context, q database.BetQuery) ([]models.Bet, error)
}

type PriceSource interface {
	GetPriceAt(ctx context.Context, ticker string, openAt time.Time) (models.Candle, error)
}

type Config struct {
	// GraceDelay is waited past each minute boundary so the final second's
	// candle is available.
	GraceDelay time.Duration `yaml:"grace_delay"`
	// Workers bounds concurrently settled groups. Each holds one pooled
	// connection, so keep it below the pool size.
	Workers int `yaml:"workers"`
}

type PassReport struct {
	PassID          string
	Cutoff          time.Time
	Due             int
	Groups          int
	Resolved        int
	AlreadyResolved int
	Failed          int
	Skipped         int
	Err             error
}

func (p *PassReport) add(g GroupReport) {
	p.Resolved += g.Resolved
	p.AlreadyResolved += g.AlreadyResolved
	p.Failed += g.Failed
	p.Skipped += g.Skipped
}

type betGroup struct {
	ticker    string
	resolveAt time.Time
	bets      []models.Bet
}

// Scheduler runs a settlement pass and then sleeps until the next minute
// boundary plus the grace delay. Passes never overlap.
type Scheduler struct {
	finder   BetFinder
	prices   PriceSource
	resolver *Resolver
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time

	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(finder BetFinder, prices PriceSource, resolver *Resolver, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	done := make(chan struct{})
	close(done)

	return &Scheduler{
		finder:   finder,
		prices:   prices,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		done:     done,
	}
}

// Start is a no-op when the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.WithFields(logrus.Fields{
		"grace_delay": s.cfg.GraceDelay,
		"workers":     s.cfg.Workers,
	}).Info("Starting settlement scheduler")
	go s.loop(ctx, s.stop, s.done)
}

// Stop cancels the pending wake-up. A pass in flight runs to completion;
// wait on Done for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.logger.Info("Stopping settlement scheduler")
}

// Done is closed once the loop started by the last Start has exited.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.RunPass(ctx)

		delay := s.nextDelay()
		s.logger.WithField("delay_ms", delay.Milliseconds()).Debug("Next settlement pass scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	now := s.now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now) + s.cfg.GraceDelay
}

// RunPass settles every open bet whose resolve time is at or before the last
// completed minute boundary.
func (s *Scheduler) RunPass(ctx context.Context) PassReport {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	report := PassReport{
		PassID: uuid.NewString(),
		Cutoff: s.now().Truncate(time.Minute),
	}
	logger := s.logger.WithFields(logrus.Fields{
		"pass_id": report.PassID,
		"cutoff":  report.Cutoff,
	})
	defer func() {
		s.metrics.SettlementPass.Observe(time.Since(start).Seconds())
	}()

	bets, err := s.finder.FindBets(ctx, database.BetQuery{
		Statuses:     []models.BetStatus{models.BetStatusOpen},
		ResolveAtMax: report.Cutoff,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to find due bets")
		report.Err = err
		return report
	}
	if len(bets) == 0 {
		logger.Debug("No bets to resolve")
		return report
	}

	groups := groupBets(bets)
	report.Due = len(bets)
	report.Groups = len(groups)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			result := s.settleGroup(ctx, logger, group)
			mu.Lock()
			report.add(result)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	logger.WithFields(logrus.Fields{
		"due":              report.Due,
		"groups":           report.Groups,
		"resolved":         report.Resolved,
		"already_resolved": report.AlreadyResolved,
		"failed":           report.Failed,
		"skipped":          report.Skipped,
		"duration_ms":      time.Since(start).Milliseconds(),
	}).Info("Settlement pass completed")
	return report
}

func (s *Scheduler) settleGroup(ctx context.Context, logger *logrus.Entry, group betGroup) GroupReport {
	logger = logger.WithFields(logrus.Fields{
		"ticker":     group.ticker,
		"resolve_at": group.resolveAt,
		"bets":       len(group.bets),
	})

	// the settlement candle is the last full second before resolveAt
	candle, err := s.prices.GetPriceAt(ctx, group.ticker, group.resolveAt.Add(-time.Second))
	if err != nil {
		logger.WithError(err).Warn("Settlement price unavailable, leaving bets open")
		s.metrics.SettlementFails.WithLabelValues("price").Inc()
		return GroupReport{Skipped: len(group.bets)}
	}

	logger.WithField("price", candle.Close).Info("Resolving bet group")
	return s.resolver.ResolveGroup(ctx, group.bets, candle.Close)
}

// groupBets groups by ticker and then by resolve time, both in ascending order.
func groupBets(bets []models.Bet) []betGroup {
	index := make(map[string]map[int64]int)
	var groups []betGroup

	for _, bet := range bets {
		byTime, ok := index[bet.Ticker]
		if !ok {
			byTime = make(map[int64]int)
			index[bet.Ticker] = byTime
		}
		key := bet.ResolveAt.UnixMilli()
		i, ok := byTime[key]
		if !ok {
			i = len(groups)
			byTime[key] = i
			groups = append(groups, betGroup{ticker: bet.Ticker, resolveAt: bet.ResolveAt})
		}
		groups[i].bets = append(groups[i].bets, bet)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].ticker != groups[j].ticker {
			return groups[i].ticker < groups[j].ticker
		}
		return groups[i].resolveAt.Before(groups[j].resolveAt)
	})
	return groups
}
