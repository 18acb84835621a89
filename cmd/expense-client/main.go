package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"expenseclient/internal/api"
	"expenseclient/internal/cli"
	"expenseclient/internal/gateway"
	"expenseclient/internal/log"
	"expenseclient/internal/onboarding"
	"expenseclient/internal/session"
)

var errAdminOnly = errors.New("admin access required")

const usage = `Usage: expense-client <command> [arguments]

Commands:
  login [-u username]         log in (password is prompted)
  logout                      forget the stored session
  register -u user -e email   create an account (password is prompted)
  whoami                      show the logged in user
  status                      unread notifications and budget warnings
  expenses [-page n]          list expenses
  categories                  list categories
  report [-month YYYY-MM]     spending summary for a month
  admin health                backend health (admins only)
  checklist                   getting-started checklist
  onboarding <action>         show | reset | welcome | budget | reports |
                              expense | dismiss <tip> | tip <tip>
`

func main() {
	if err := cli.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Stderr)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := cli.LoadAndValidateConfig(logger)
	if err != nil {
		os.Exit(1)
	}

	ctx, stop := cli.GracefulShutdown(context.Background(), logger)
	defer stop()

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize client", "error", err)
		os.Exit(1)
	}

	runErr := run(ctx, app, os.Args[1], os.Args[2:], os.Stdin, os.Stdout)
	if err := app.Close(); err != nil {
		logger.Warn("Failed to close client", "error", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, describe(runErr))
		os.Exit(1)
	}
}

func run(ctx context.Context, app *cli.App, cmd string, args []string, in io.Reader, out io.Writer) error {
	ctx = log.WithRequestID(ctx, uuid.NewString())
	switch cmd {
	case "login":
		return cmdLogin(ctx, app, args, in, out)
	case "logout":
		return app.Session.Logout(ctx)
	case "register":
		return cmdRegister(ctx, app, args, in, out)
	case "whoami":
		return cmdWhoami(ctx, app, out)
	case "status":
		return cmdStatus(ctx, app, out)
	case "expenses":
		return cmdExpenses(ctx, app, args, out)
	case "categories":
		return cmdCategories(ctx, app, out)
	case "report":
		return cmdReport(ctx, app, args, out)
	case "admin":
		return cmdAdmin(ctx, app, args, out)
	case "checklist":
		return cmdChecklist(ctx, app, out)
	case "onboarding":
		return cmdOnboarding(ctx, app, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func cmdLogin(ctx context.Context, app *cli.App, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("u", "", "username")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	if *username == "" {
		fmt.Fprint(out, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read username: %w", err)
		}
		*username = strings.TrimSpace(line)
	}
	password, err := readPassword(reader, out)
	if err != nil {
		return err
	}

	id, err := app.Session.Login(ctx, *username, password)
	if err != nil {
		return err
	}

	s, err := app.Onboarding.Load(ctx, id.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in as %s\n", id.Username)
	if s.IsFirstLogin && !s.HasSeenWelcome {
		fmt.Fprintln(out, "Welcome! Run `expense-client checklist` to get started.")
	}
	return nil
}

func cmdRegister(ctx context.Context, app *cli.App, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("u", "", "username")
	email := fs.String("e", "", "email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("register: -u is required")
	}

	password, err := readPassword(bufio.NewReader(in), out)
	if err != nil {
		return err
	}
	if err := app.Session.Register(ctx, api.RegisterRequest{Username: *username, Email: *email, Password: password}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Account %s created, you can log in now\n", *username)
	return nil
}

func cmdWhoami(ctx context.Context, app *cli.App, out io.Writer) error {
	id, err := requireLogin(ctx, app)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (id %d)\n", id.Username, id.ID)
	if id.Email != "" {
		fmt.Fprintf(out, "email: %s\n", id.Email)
	}
	if len(id.Roles) > 0 {
		fmt.Fprintf(out, "roles: %s\n", strings.Join(id.Roles, ", "))
	}
	if app.Session.IsPrivileged() {
		fmt.Fprintln(out, "admin commands available (expense-client admin health)")
	}
	return nil
}

func cmdStatus(ctx context.Context, app *cli.App, out io.Writer) error {
	if _, err := requireLogin(ctx, app); err != nil {
		return err
	}

	n, err := app.API.NotificationCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "unread notifications: %d\n", n)

	if app.Session.WarningsShown() {
		return nil
	}
	warnings, err := app.API.BudgetWarnings(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "[%s] %s: %s (%.0f%%)\n", w.Level, w.Category, w.Message, w.Percentage)
	}
	if err := app.Session.MarkWarningsShown(ctx); err != nil {
		app.Logger.WarnContext(ctx, "Warnings will be shown again", log.FieldError, err)
	}
	return nil
}

func cmdExpenses(ctx context.Context, app *cli.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("expenses", flag.ContinueOnError)
	page := fs.Int("page", 1, "page number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := requireLogin(ctx, app); err != nil {
		return err
	}

	params := url.Values{}
	if *page > 1 {
		params.Set("page", strconv.Itoa(*page))
	}
	list, err := app.API.ListExpenses(ctx, params)
	if err != nil {
		return err
	}
	for _, e := range list.Results {
		fmt.Fprintf(out, "%s  %10s %s  %s\n", e.Date, e.Amount, e.Currency, e.Description)
	}
	total, _ := api.Total(list.Results)
	fmt.Fprintf(out, "%d expense(s), %s on this page\n", list.Count, total)
	return nil
}

func cmdCategories(ctx context.Context, app *cli.App, out io.Writer) error {
	if _, err := requireLogin(ctx, app); err != nil {
		return err
	}
	categories, err := app.API.ListCategories(ctx, nil)
	if err != nil {
		return err
	}
	for _, c := range categories {
		scope := "own"
		if c.IsSystem {
			scope = "system"
		}
		fmt.Fprintf(out, "%5d  %-24s %s\n", c.ID, c.Name, scope)
	}
	return nil
}

// cmdReport prints the month's spending summary and counts as viewing
// reports for onboarding.
func cmdReport(ctx context.Context, app *cli.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	month := fs.String("month", time.Now().Format("2006-01"), "month as YYYY-MM")
	if err := fs.Parse(args); err != nil {
		return err
	}
	start, err := time.Parse("2006-01", *month)
	if err != nil {
		return fmt.Errorf("report: month must look like 2026-10: %w", err)
	}
	id, err := requireLogin(ctx, app)
	if err != nil {
		return err
	}

	summary, err := app.API.SpendingSummary(ctx, start, start.AddDate(0, 1, -1))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s to %s: total %s, %s per day\n", summary.Start, summary.End, summary.Total, summary.AveragePerDay)
	for _, row := range summary.ByCategory {
		name := row.CategoryName
		if name == "" {
			name = "uncategorized"
		}
		share := ""
		if row.Percent != nil {
			share = fmt.Sprintf(" (%.0f%%)", *row.Percent*100)
		}
		fmt.Fprintf(out, "  %-24s %10s%s\n", name, row.Total, share)
	}

	if _, err := app.Onboarding.MarkReportsViewed(ctx, id.ID); err != nil {
		app.Logger.WarnContext(ctx, "Failed to record reports view", log.FieldError, err)
	}
	return nil
}

func cmdAdmin(ctx context.Context, app *cli.App, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "health" {
		return errors.New("admin: expected `health`")
	}
	if _, err := requireLogin(ctx, app); err != nil {
		return err
	}
	if !app.Session.IsPrivileged() {
		return errAdminOnly
	}

	health, err := app.API.SystemHealth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status: %s\n", health.Status)
	for _, table := range slices.Sorted(maps.Keys(health.Database)) {
		fmt.Fprintf(out, "  %-14s %d\n", table, health.Database[table])
	}
	return nil
}

func cmdChecklist(ctx context.Context, app *cli.App, out io.Writer) error {
	id, err := requireLogin(ctx, app)
	if err != nil {
		return err
	}
	s, err := app.Onboarding.Load(ctx, id.ID)
	if err != nil {
		return err
	}

	c := onboarding.BuildChecklist(s)
	fmt.Fprintf(out, "Getting started: %d/%d\n", c.Completed, c.Total)
	for _, item := range c.Items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(out, "  [%s] %s\n", mark, item.Title)
	}
	return nil
}

func cmdOnboarding(ctx context.Context, app *cli.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("onboarding: missing action")
	}
	id, err := requireLogin(ctx, app)
	if err != nil {
		return err
	}
	tr := app.Onboarding

	var s onboarding.State
	switch args[0] {
	case "show":
		s, err = tr.Load(ctx, id.ID)
	case "reset":
		s, err = tr.Reset(ctx, id.ID)
	case "welcome":
		s, err = tr.MarkWelcomeSeen(ctx, id.ID)
	case "budget":
		s, err = tr.MarkBudgetSet(ctx, id.ID)
	case "reports":
		s, err = tr.MarkReportsViewed(ctx, id.ID)
	case "expense":
		s, err = tr.State(ctx, id.ID)
		if err == nil {
			if s.HasAddedFirstExpense {
				s, err = tr.IncrementExpenseCount(ctx, id.ID)
			} else {
				s, err = tr.MarkFirstExpenseAdded(ctx, id.ID)
			}
		}
	case "dismiss", "tip":
		if len(args) < 2 {
			return fmt.Errorf("onboarding %s: missing tip id", args[0])
		}
		return tipAction(ctx, tr, id.ID, args[0], args[1], out)
	default:
		return fmt.Errorf("onboarding: unknown action %q", args[0])
	}
	if err != nil {
		return err
	}
	printState(out, s)
	return nil
}

func tipAction(ctx context.Context, tr *onboarding.Tracker, userID int64, action, tipID string, out io.Writer) error {
	if action == "dismiss" {
		return tr.DismissTip(ctx, userID, tipID)
	}
	show, err := tr.ShouldShowTip(ctx, userID, tipID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "show %s: %t\n", tipID, show)
	return nil
}

func printState(out io.Writer, s onboarding.State) {
	fmt.Fprintf(out, "first login:        %t\n", s.IsFirstLogin)
	fmt.Fprintf(out, "welcome seen:       %t\n", s.HasSeenWelcome)
	fmt.Fprintf(out, "first expense:      %t\n", s.HasAddedFirstExpense)
	fmt.Fprintf(out, "budget set:         %t\n", s.HasSetBudget)
	fmt.Fprintf(out, "reports viewed:     %t\n", s.HasViewedReports)
	fmt.Fprintf(out, "expense count:      %d\n", s.ExpenseCount)
	fmt.Fprintf(out, "feature tips:       %t\n", s.ShowFeatureTips)
}

func requireLogin(ctx context.Context, app *cli.App) (api.Identity, error) {
	app.Session.Initialize(ctx)
	return app.Session.RequireIdentity()
}

// readPassword prompts without echo on a terminal and reads a plain line
// otherwise, so scripts can pipe the password in.
func readPassword(reader *bufio.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func describe(err error) string {
	var httpErr *gateway.HTTPError
	switch {
	case errors.Is(err, errAdminOnly):
		return "this command needs an admin account"
	case errors.Is(err, session.ErrNotAuthenticated):
		return "not logged in, run `expense-client login`"
	case errors.Is(err, gateway.ErrLoggedOut):
		return "session expired, run `expense-client login` again"
	case errors.As(err, &httpErr):
		if fields := httpErr.FieldErrors(); len(fields) > 0 {
			var b strings.Builder
			b.WriteString("request rejected:")
			for field, msgs := range fields {
				fmt.Fprintf(&b, "\n  %s: %s", field, strings.Join(msgs, " "))
			}
			return b.String()
		}
		if d := httpErr.Detail(); d != "" {
			return d
		}
		return err.Error()
	default:
		return err.Error()
	}
}
