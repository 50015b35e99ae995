package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Window bounds the generated send times: MinDays..MaxDays ahead of today,
// at a whole hour in EarliestHour..LatestHour plus a random minute.
type Window struct {
	MinDays      int
	MaxDays      int
	EarliestHour int
	LatestHour   int
}

var DefaultWindow = Window{MinDays: 1, MaxDays: 7, EarliestHour: 9, LatestHour: 20}

type PlannerConfig struct {
	Location *time.Location
	Window   Window
	Phrases  []string
}

type PlanResult struct {
	ActiveUsers int           `json:"active_users"`
	Pairs       int           `json:"pairs"`
	Drafted     int           `json:"drafted"`
	Duration    time.Duration `json:"duration"`
}

// Planner pairs active users at random and drafts one auto-message per pair.
type Planner struct {
	users  repository.UserRepository
	drafts repository.AutoMessageRepository
	cfg    PlannerConfig
	guard  Guard
	rngMu  sync.Mutex
	rng    *rand.Rand
	now    func() time.Time
	log    *zap.SugaredLogger
}

func NewPlanner(users repository.UserRepository, drafts repository.AutoMessageRepository, cfg PlannerConfig, log *zap.SugaredLogger) *Planner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Window == (Window{}) {
		cfg.Window = DefaultWindow
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = DefaultPhrases
	}
	return &Planner{
		users:  users,
		drafts: drafts,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		log:    log.Named("planner"),
	}
}

// WithRand and WithClock make runs reproducible.
func (p *Planner) WithRand(rng *rand.Rand) *Planner {
	p.rng = rng
	return p
}

func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

func (p *Planner) Running() bool { return p.guard.Running() }

// Run drafts messages for every pair of active users. A run that overlaps
// an in-progress one returns ErrAlreadyRunning without doing anything.
func (p *Planner) Run(ctx context.Context) (PlanResult, error) {
	if !p.guard.TryAcquire() {
		p.log.Warn("message planning is already running, skipping")
		return PlanResult{}, ErrAlreadyRunning
	}
	defer p.guard.Release()

	start := p.now()
	var res PlanResult

	users, err := p.users.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active users: %w", err)
	}
	res.ActiveUsers = len(users)
	if len(users) < 2 {
		p.log.Infow("not enough active users for message planning", "active_users", len(users))
		return res, nil
	}

	p.rngMu.Lock()
	p.shuffle(users)
	pairs := pairUp(users)
	drafts := make([]*domain.AutoMessage, 0, len(pairs))
	for _, pr := range pairs {
		drafts = append(drafts, p.draft(pr[0], pr[1], start))
	}
	p.rngMu.Unlock()
	res.Pairs = len(pairs)

	if err := p.drafts.CreateMany(ctx, drafts); err != nil {
		return res, fmt.Errorf("store drafts: %w", err)
	}
	res.Drafted = len(drafts)
	res.Duration = p.now().Sub(start)
	metrics.DraftsCreated.Add(float64(len(drafts)))

	p.log.Infow("message planning completed",
		"active_users", res.ActiveUsers, "pairs", res.Pairs, "drafted", res.Drafted, "duration", res.Duration)
	return res, nil
}

// shuffle is Fisher-Yates over the injected source.
func (p *Planner) shuffle(users []*domain.User) {
	for i := len(users) - 1; i > 0; i-- {
		j := p.rng.Intn(i + 1)
		users[i], users[j] = users[j], users[i]
	}
}

// pairUp pairs consecutive users. With an odd count the last user is paired
// with the first, who therefore sends or receives twice.
func pairUp(users []*domain.User) [][2]*domain.User {
	pairs := make([][2]*domain.User, 0, len(users)/2+1)
	for i := 0; i+1 < len(users); i += 2 {
		pairs = append(pairs, [2]*domain.User{users[i], users[i+1]})
	}
	if len(users)%2 == 1 {
		pairs = append(pairs, [2]*domain.User{users[len(users)-1], users[0]})
	}
	return pairs
}

func (p *Planner) draft(sender, receiver *domain.User, now time.Time) *domain.AutoMessage {
	return &domain.AutoMessage{
		ID:         uuid.NewString(),
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Content:    p.cfg.Phrases[p.rng.Intn(len(p.cfg.Phrases))],
		SendAt:     p.sendTime(now),
		MaxRetries: domain.DefaultMaxRetries,
		Metadata: map[string]any{
			"kind":         "auto",
			"generated_at": now.UTC(),
		},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (p *Planner) sendTime(now time.Time) time.Time {
	w := p.cfg.Window
	local := now.In(p.cfg.Location)
	days := w.MinDays + p.rng.Intn(w.MaxDays-w.MinDays+1)
	hour := w.EarliestHour + p.rng.Intn(w.LatestHour-w.EarliestHour+1)
	minute := p.rng.Intn(60)
	return time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, p.cfg.Location)
}
