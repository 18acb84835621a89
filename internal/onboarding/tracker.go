// Package onboarding tracks a user's ramp-up funnel: welcome seen, first
// expense, budget set, reports viewed and the feature tips that unlock
// after a few expenses. Progress is advisory. It is kept per user in the
// keyed store and upgraded from backend facts, never downgraded.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"expenseclient/internal/amqp"
	"expenseclient/internal/cache"
	"expenseclient/internal/log"
)

// ErrEmptyTipID is returned when a tip id is blank.
var ErrEmptyTipID = errors.New("onboarding: empty tip id")

// FactsSource answers the two reconciliation questions. api.Client
// implements it.
type FactsSource interface {
	HasExpenses(ctx context.Context) (bool, error)
	HasBudget(ctx context.Context, month time.Time) (bool, error)
}

// Publisher receives milestone events. PublishMilestone is called inside
// transitions and must return without waiting on delivery.
type Publisher interface {
	PublishMilestone(ctx context.Context, msg *amqp.MilestoneMessage) error
}

type Tracker struct {
	repo      *Repository
	facts     FactsSource
	publisher Publisher
	factCache cache.Cache[Facts]
	logger    *log.Logger
	now       func() time.Time
}

type Option func(*Tracker)

// WithFacts enables reconciliation against the backend on Load.
func WithFacts(f FactsSource) Option {
	return func(t *Tracker) { t.facts = f }
}

// WithPublisher publishes a milestone event whenever a flag first turns true.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// WithFactCache remembers positive facts so Load does not ask again.
func WithFactCache(c cache.Cache[Facts]) Option {
	return func(t *Tracker) { t.factCache = c }
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l.WithComponent(log.ComponentOnboarding) }
}

// WithClock sets the clock used to pick the current budget month.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(repo *Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:   repo,
		logger: log.Discard().WithComponent(log.ComponentOnboarding),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load returns the state of userID, creating the defaults on first sight,
// and then upgrades it from backend facts. Backend failures are logged
// and ignored; only storage errors are returned.
func (t *Tracker) Load(ctx context.Context, userID int64) (State, error) {
	s, created, err := t.repo.Init(ctx, userID)
	if errors.Is(err, ErrCorruptState) {
		t.logger.WarnContext(ctx, "Discarding unreadable onboarding state",
			log.FieldUserID, userID,
			log.FieldError, err)
		s, err = t.repo.Reset(ctx, userID)
		created = true
	}
	if err != nil {
		return State{}, err
	}
	if created {
		t.logger.InfoContext(ctx, "Initialized onboarding state",
			log.FieldOperation, log.OpLoad,
			log.FieldUserID, userID)
	}

	if t.facts == nil {
		return s, nil
	}

	facts := t.fetchFacts(ctx, userID)
	if s.reconcile(facts) == s {
		return s, nil
	}

	before, after, err := t.repo.Update(ctx, userID, func(cur State) State {
		return cur.reconcile(facts)
	})
	if err != nil {
		return State{}, err
	}
	t.logger.InfoContext(ctx, "Reconciled onboarding state with backend",
		log.FieldOperation, log.OpReconcile,
		log.FieldUserID, userID,
		"has_expenses", facts.HasExpenses,
		"has_budget", facts.HasBudget)
	t.announce(ctx, userID, before, after)
	return after, nil
}

// fetchFacts asks the backend whatever the cache cannot already answer.
// Both questions run concurrently. A failed question counts as "no".
func (t *Tracker) fetchFacts(ctx context.Context, userID int64) Facts {
	month := t.now()
	key := factKey(userID, month)

	var known Facts
	if t.factCache != nil {
		known, _ = t.factCache.Get(key)
	}
	if known.complete() {
		return known
	}

	var fresh Facts
	var g errgroup.Group
	if !known.HasExpenses {
		g.Go(func() error {
			ok, err := t.facts.HasExpenses(ctx)
			if err != nil {
				t.logReconcileFailure(ctx, userID, "expenses", err)
				return nil
			}
			fresh.HasExpenses = ok
			return nil
		})
	}
	if !known.HasBudget {
		g.Go(func() error {
			ok, err := t.facts.HasBudget(ctx, month)
			if err != nil {
				t.logReconcileFailure(ctx, userID, "budget", err)
				return nil
			}
			fresh.HasBudget = ok
			return nil
		})
	}
	_ = g.Wait()

	facts := known.merge(fresh)
	if t.factCache != nil && facts != known {
		t.factCache.Set(key, facts)
	}
	return facts
}

func (t *Tracker) logReconcileFailure(ctx context.Context, userID int64, fact string, err error) {
	t.logger.WarnContext(ctx, "Onboarding reconciliation check failed",
		log.FieldOperation, log.OpReconcile,
		log.FieldUserID, userID,
		"fact", fact,
		log.FieldErrorType, log.ErrorTypeNetwork,
		log.FieldError, err)
}

// factKey scopes cached facts to the user and the budget month.
func factKey(userID int64, month time.Time) string {
	return strconv.FormatInt(userID, 10) + ":" + month.Format("2006-01")
}

// MarkWelcomeSeen records that the welcome screen was shown. It is also
// what ends the user's first login.
func (t *Tracker) MarkWelcomeSeen(ctx context.Context, userID int64) (State, error) {
	return t.transition(ctx, userID, "mark_welcome_seen", func(s State) State {
		s.HasSeenWelcome = true
		s.IsFirstLogin = false
		return s
	})
}

func (t *Tracker) MarkBudgetSet(ctx context.Context, userID int64) (State, error) {
	return t.transition(ctx, userID, "mark_budget_set", func(s State) State {
		s.HasSetBudget = true
		return s
	})
}

func (t *Tracker) MarkReportsViewed(ctx context.Context, userID int64) (State, error) {
	return t.transition(ctx, userID, "mark_reports_viewed", func(s State) State {
		s.HasViewedReports = true
		return s
	})
}

// MarkFirstExpenseAdded sets the first-expense flag and counts the expense.
func (t *Tracker) MarkFirstExpenseAdded(ctx context.Context, userID int64) (State, error) {
	return t.transition(ctx, userID, "mark_first_expense", func(s State) State {
		s.HasAddedFirstExpense = true
		return s.addExpense()
	})
}

// IncrementExpenseCount counts an expense added after the first one.
func (t *Tracker) IncrementExpenseCount(ctx context.Context, userID int64) (State, error) {
	return t.transition(ctx, userID, "increment_expense_count", func(s State) State {
		return s.addExpense()
	})
}

func (t *Tracker) transition(ctx context.Context, userID int64, name string, fn func(State) State) (State, error) {
	before, after, err := t.repo.Update(ctx, userID, fn)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to persist onboarding transition",
			log.FieldOperation, log.OpUpdate,
			log.FieldUserID, userID,
			"transition", name,
			log.FieldErrorType, log.ErrorTypeStorage,
			log.FieldError, err)
		return State{}, err
	}
	t.logger.DebugContext(ctx, "Applied onboarding transition",
		log.FieldOperation, log.OpUpdate,
		log.FieldUserID, userID,
		"transition", name,
		"expense_count", after.ExpenseCount)
	t.announce(ctx, userID, before, after)
	return after, nil
}

// announce hands one event per milestone reached to the publisher. The
// publisher must not block; a refused event is logged and never fails the
// transition.
func (t *Tracker) announce(ctx context.Context, userID int64, before, after State) {
	if t.publisher == nil {
		return
	}
	for _, m := range milestones(before, after) {
		if err := t.publisher.PublishMilestone(ctx, amqp.NewMilestoneMessage(userID, m)); err != nil {
			t.logger.WarnContext(ctx, "Failed to publish milestone",
				log.FieldOperation, log.OpPublish,
				log.FieldUserID, userID,
				log.FieldMilestone, m,
				log.FieldError, err)
		}
	}
}

// DismissTip hides tipID for userID until the next Reset.
func (t *Tracker) DismissTip(ctx context.Context, userID int64, tipID string) error {
	if tipID == "" {
		return ErrEmptyTipID
	}
	added, err := t.repo.AddDismissedTip(ctx, userID, tipID)
	if err != nil {
		return err
	}
	if added {
		t.logger.DebugContext(ctx, "Dismissed feature tip", log.FieldUserID, userID, log.FieldTipID, tipID)
	}
	return nil
}

func (t *Tracker) IsTipDismissed(ctx context.Context, userID int64, tipID string) (bool, error) {
	tips, err := t.repo.DismissedTips(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(tips, tipID), nil
}

func (t *Tracker) DismissedTips(ctx context.Context, userID int64) ([]string, error) {
	return t.repo.DismissedTips(ctx, userID)
}

// ShouldShowTip reports whether tipID is unlocked and not dismissed.
func (t *Tracker) ShouldShowTip(ctx context.Context, userID int64, tipID string) (bool, error) {
	s, err := t.State(ctx, userID)
	if err != nil {
		return false, err
	}
	if !s.ShowFeatureTips {
		return false, nil
	}
	dismissed, err := t.IsTipDismissed(ctx, userID, tipID)
	if err != nil {
		return false, err
	}
	return !dismissed, nil
}

// Reset wipes the progress and dismissed tips of userID and starts over.
func (t *Tracker) Reset(ctx context.Context, userID int64) (State, error) {
	s, err := t.repo.Reset(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if t.factCache != nil {
		t.factCache.Delete(factKey(userID, t.now()))
	}
	t.logger.InfoContext(ctx, "Reset onboarding state",
		log.FieldOperation, log.OpReset,
		log.FieldUserID, userID)
	return s, nil
}

// State returns the persisted state without creating or reconciling it.
func (t *Tracker) State(ctx context.Context, userID int64) (State, error) {
	s, ok, err := t.repo.Get(ctx, userID)
	if err != nil {
		return State{}, fmt.Errorf("onboarding state of user %d: %w", userID, err)
	}
	if !ok {
		return DefaultState(), nil
	}
	return s, nil
}
