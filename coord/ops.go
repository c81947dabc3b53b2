package coord

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/tessera/errors"
)

// Put writes data to a persistent node, creating it when missing.
func Put(ctx context.Context, r Registry, path string, data []byte) error {
	err := r.Set(ctx, path, data)
	if !IsNoNode(err) {
		return err
	}
	if _, err := r.Create(ctx, path, data, Persistent); err != nil {
		if IsNodeExists(err) {
			// Lost a create race; the winner's node is there now
			return r.Set(ctx, path, data)
		}
		return err
	}
	return nil
}

// PutString is Put for string values.
func PutString(ctx context.Context, r Registry, path, value string) error {
	return Put(ctx, r, path, []byte(value))
}

// PutEphemeral makes path an ephemeral node owned by the current session.
// A node left behind by another session is replaced.
func PutEphemeral(ctx context.Context, r Registry, path string, data []byte) error {
	_, err := r.Create(ctx, path, data, Ephemeral)
	if !IsNodeExists(err) {
		return err
	}

	_, stat, err := r.Get(ctx, path)
	if IsNoNode(err) {
		_, err = r.Create(ctx, path, data, Ephemeral)
		return err
	}
	if err != nil {
		return err
	}
	if stat.Owner == r.Session() {
		return r.Set(ctx, path, data)
	}

	if err := r.Delete(ctx, path); err != nil {
		return err
	}
	_, err = r.Create(ctx, path, data, Ephemeral)
	return err
}

// GetString reads a node as a string. A missing node yields ("", false, nil).
func GetString(ctx context.Context, r Registry, path string) (string, bool, error) {
	data, _, err := r.Get(ctx, path)
	if IsNoNode(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// EnsurePath creates a persistent node with no data when it does not exist.
func EnsurePath(ctx context.Context, r Registry, path string) error {
	if _, err := r.Create(ctx, path, nil, Persistent); err != nil && !IsNodeExists(err) {
		return err
	}
	return nil
}

// SortedChildren is Children sorted lexically; a missing parent yields nil.
func SortedChildren(ctx context.Context, r Registry, path string) ([]string, error) {
	children, err := r.Children(ctx, path)
	if IsNoNode(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

// FormatItems renders shard items as the comma separated form stored in the registry.
func FormatItems(items []int) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = strconv.Itoa(item)
	}
	return strings.Join(parts, ",")
}

// ParseItems parses a comma separated item list. Empty input yields no items.
func ParseItems(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	items := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		item, err := strconv.Atoi(p)
		if err != nil || item < 0 {
			return nil, errors.NewInvalidRequestError("invalid shard item %q", p)
		}
		items = append(items, item)
	}
	sort.Ints(items)
	return items, nil
}

// FormatTime stores timestamps as epoch milliseconds.
func FormatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseTime reads a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return time.UnixMilli(ms), nil
}

// ArmFunc arms a one-shot watch.
type ArmFunc func(ctx context.Context) (<-chan Event, error)

// Watch keeps a one-shot watch armed until ctx is done, calling onEvent for
// every notification. Arming failures are retried after retry.
func Watch(ctx context.Context, arm ArmFunc, onEvent func(Event), retry time.Duration) {
	for {
		events, err := arm(ctx)
		if err != nil {
			if !sleepCtx(ctx, retry) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if !sleepCtx(ctx, retry) {
					return
				}
				continue
			}
			onEvent(ev)
			if ev.Type == EventSessionClosed && !sleepCtx(ctx, retry) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
