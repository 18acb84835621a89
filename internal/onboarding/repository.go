package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"expenseclient/internal/store"
)

// ErrCorruptState is returned when a persisted record cannot be decoded.
var ErrCorruptState = errors.New("onboarding: corrupt persisted state")

// Repository partitions onboarding records by user id on top of a keyed store.
type Repository struct {
	kv store.Store
}

func NewRepository(kv store.Store) *Repository {
	return &Repository{kv: kv}
}

// Key is where the state of userID is stored.
func Key(userID int64) string {
	return "onboarding_" + strconv.FormatInt(userID, 10)
}

// TipsKey is where the dismissed tips of userID are stored.
func TipsKey(userID int64) string {
	return "dismissed_tips_" + strconv.FormatInt(userID, 10)
}

// Get returns the persisted state; ok is false when the user has none.
func (r *Repository) Get(ctx context.Context, userID int64) (State, bool, error) {
	raw, err := r.kv.Get(ctx, Key(userID))
	if errors.Is(err, store.ErrNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read onboarding state: %w", err)
	}
	s, err := decodeState(raw)
	if err != nil {
		return State{}, false, err
	}
	return s, true, nil
}

// Init returns the persisted state, writing the defaults first when the
// user has no record yet. created reports whether the defaults were written.
func (r *Repository) Init(ctx context.Context, userID int64) (s State, created bool, err error) {
	_, err = r.kv.Update(ctx, Key(userID), func(current string, exists bool) (string, error) {
		if exists {
			decoded, err := decodeState(current)
			if err != nil {
				return "", err
			}
			s, created = decoded, false
			return current, nil
		}
		s, created = DefaultState(), true
		return encodeState(s)
	})
	if err != nil {
		return State{}, false, wrapStoreErr("init onboarding state", err)
	}
	return s, created, nil
}

// Update applies fn to the latest persisted state of userID and writes the
// result in one atomic step. A missing record starts from DefaultState.
func (r *Repository) Update(ctx context.Context, userID int64, fn func(State) State) (before, after State, err error) {
	_, err = r.kv.Update(ctx, Key(userID), func(current string, exists bool) (string, error) {
		before = DefaultState()
		if exists {
			decoded, err := decodeState(current)
			if err != nil {
				return "", err
			}
			before = decoded
		}
		after = fn(before).normalize()
		return encodeState(after)
	})
	if err != nil {
		return State{}, State{}, wrapStoreErr("update onboarding state", err)
	}
	return before, after, nil
}

// Reset removes both records of userID and writes fresh defaults.
func (r *Repository) Reset(ctx context.Context, userID int64) (State, error) {
	if err := r.kv.Delete(ctx, Key(userID), TipsKey(userID)); err != nil {
		return State{}, fmt.Errorf("reset onboarding: %w", err)
	}
	s := DefaultState()
	raw, err := encodeState(s)
	if err != nil {
		return State{}, err
	}
	if err := r.kv.Set(ctx, Key(userID), raw); err != nil {
		return State{}, fmt.Errorf("reset onboarding: %w", err)
	}
	return s, nil
}

// DismissedTips returns the dismissed tip ids in dismissal order.
func (r *Repository) DismissedTips(ctx context.Context, userID int64) ([]string, error) {
	raw, err := r.kv.Get(ctx, TipsKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dismissed tips: %w", err)
	}
	return decodeTips(raw)
}

// AddDismissedTip appends tipID unless it is already present. added
// reports whether the set changed.
func (r *Repository) AddDismissedTip(ctx context.Context, userID int64, tipID string) (added bool, err error) {
	_, err = r.kv.Update(ctx, TipsKey(userID), func(current string, exists bool) (string, error) {
		var tips []string
		if exists {
			decoded, err := decodeTips(current)
			if err != nil {
				return "", err
			}
			tips = decoded
		}
		if slices.Contains(tips, tipID) {
			added = false
			return current, nil
		}
		added = true
		return encodeTips(append(tips, tipID))
	})
	if err != nil {
		return false, wrapStoreErr("dismiss tip", err)
	}
	return added, nil
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, ErrCorruptState) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeState(raw string) (State, error) {
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	return s.normalize(), nil
}

func encodeState(s State) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode onboarding state: %w", err)
	}
	return string(data), nil
}

func decodeTips(raw string) ([]string, error) {
	var tips []string
	if err := json.Unmarshal([]byte(raw), &tips); err != nil {
		return nil, fmt.Errorf("%w: dismissed tips: %w", ErrCorruptState, err)
	}
	return tips, nil
}

func encodeTips(tips []string) (string, error) {
	data, err := json.Marshal(tips)
	if err != nil {
		return "", fmt.Errorf("encode dismissed tips: %w", err)
	}
	return string(data), nil
}
