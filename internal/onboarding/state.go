package onboarding

// FeatureTipThreshold is the expense count from which feature tips show.
const FeatureTipThreshold = 3

// ReportsChecklistThreshold marks the reports step done once this many
// expenses exist, even if the reports page was never opened.
const ReportsChecklistThreshold = 5

// Milestone names carried by milestone events.
const (
	MilestoneWelcomeSeen   = "welcome_seen"
	MilestoneFirstExpense  = "first_expense"
	MilestoneBudgetSet     = "budget_set"
	MilestoneReportsViewed = "reports_viewed"
	MilestoneFeatureTipsOn = "feature_tips_unlocked"
)

// State is one user's onboarding progress. The JSON names match the
// records the browser client writes, so both can share a store.
type State struct {
	IsFirstLogin         bool `json:"isFirstLogin"`
	HasSeenWelcome       bool `json:"hasSeenWelcome"`
	HasAddedFirstExpense bool `json:"hasAddedFirstExpense"`
	HasSetBudget         bool `json:"hasSetBudget"`
	HasViewedReports     bool `json:"hasViewedReports"`
	ExpenseCount         int  `json:"expenseCount"`
	ShowFeatureTips      bool `json:"showFeatureTips"`
}

// DefaultState is the state of a user seen for the first time.
func DefaultState() State {
	return State{IsFirstLogin: true}
}

// Facts are what the backend knows about a user's activity.
type Facts struct {
	HasExpenses bool
	HasBudget   bool
}

func (f Facts) merge(o Facts) Facts {
	return Facts{HasExpenses: f.HasExpenses || o.HasExpenses, HasBudget: f.HasBudget || o.HasBudget}
}

func (f Facts) complete() bool {
	return f.HasExpenses && f.HasBudget
}

// normalize repairs records written by older clients and keeps
// ShowFeatureTips sticky once the threshold has been reached.
func (s State) normalize() State {
	if s.ExpenseCount < 0 {
		s.ExpenseCount = 0
	}
	s.ShowFeatureTips = s.ShowFeatureTips || s.ExpenseCount >= FeatureTipThreshold
	return s
}

func (s State) addExpense() State {
	s.ExpenseCount++
	return s.normalize()
}

// reconcile upgrades s with positive backend facts. It never clears a flag.
func (s State) reconcile(f Facts) State {
	if f.HasExpenses {
		s.HasAddedFirstExpense = true
		if s.ExpenseCount < 1 {
			s.ExpenseCount = 1
		}
	}
	if f.HasBudget {
		s.HasSetBudget = true
	}
	return s.normalize()
}

// milestones lists the flags that went from false to true.
func milestones(before, after State) []string {
	var out []string
	flip := func(was, is bool, name string) {
		if !was && is {
			out = append(out, name)
		}
	}
	flip(before.HasSeenWelcome, after.HasSeenWelcome, MilestoneWelcomeSeen)
	flip(before.HasAddedFirstExpense, after.HasAddedFirstExpense, MilestoneFirstExpense)
	flip(before.HasSetBudget, after.HasSetBudget, MilestoneBudgetSet)
	flip(before.HasViewedReports, after.HasViewedReports, MilestoneReportsViewed)
	flip(before.ShowFeatureTips, after.ShowFeatureTips, MilestoneFeatureTipsOn)
	return out
}

// ChecklistItem is one step of the getting-started checklist.
type ChecklistItem struct {
	ID    string
	Title string
	Done  bool
}

type Checklist struct {
	Items     []ChecklistItem
	Completed int
	Total     int
}

// Complete reports whether every step is done; the checklist is hidden then.
func (c Checklist) Complete() bool {
	return c.Completed == c.Total
}

// BuildChecklist derives the getting-started checklist from s. Allocating
// the budget to categories has no flag of its own and follows HasSetBudget.
func BuildChecklist(s State) Checklist {
	items := []ChecklistItem{
		{ID: "expense", Title: "Add your first expense", Done: s.HasAddedFirstExpense},
		{ID: "budget", Title: "Set your monthly budget", Done: s.HasSetBudget},
		{ID: "categories", Title: "Allocate budget to categories", Done: s.HasSetBudget},
		{ID: "reports", Title: "Check your reports", Done: s.HasViewedReports || s.ExpenseCount >= ReportsChecklistThreshold},
	}
	c := Checklist{Items: items, Total: len(items)}
	for _, it := range items {
		if it.Done {
			c.Completed++
		}
	}
	return c
}
