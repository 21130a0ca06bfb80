// Package ratelimit implements fixed-window counters that live inside a session.
package ratelimit

import (
	"errors"
	"time"
)

var ErrLimited = errors.New("rate limited")

// Window is one bucket. ResetAt is a unix timestamp in seconds.
type Window struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset"`
}

type Limit struct {
	Name   string
	Max    int
	Window time.Duration
}

var (
	LoginLimit = Limit{Name: "login", Max: 5, Window: 900 * time.Second}
	ReadLimit  = Limit{Name: "read", Max: 120, Window: 60 * time.Second}
)

// Hit records one call against w. A rejected call leaves w untouched.
func Hit(w *Window, l Limit, now time.Time) error {
	ts := now.Unix()
	if ts > w.ResetAt {
		w.Count = 0
		w.ResetAt = ts + int64(l.Window/time.Second)
	}
	if w.Count >= l.Max {
		return ErrLimited
	}
	w.Count++
	return nil
}

// RetryAfter is the number of seconds until w resets, never negative.
func RetryAfter(w Window, now time.Time) int64 {
	d := w.ResetAt - now.Unix()
	if d < 0 {
		return 0
	}
	return d
}

// Buckets is the per-session collection of windows keyed by limit name.
type Buckets map[string]Window

func (b Buckets) Hit(l Limit, now time.Time) (Window, error) {
	w := b[l.Name]
	err := Hit(&w, l, now)
	b[l.Name] = w
	return w, err
}
