// Package schedule filters a fixed half-hour slot grid against busy
// intervals fetched read-only from the backend.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SlotDuration is the fixed grid step.
const SlotDuration = 30 * time.Minute

// Default working-day bounds for the candidate grid.
const (
	defaultOpenHour  = 8
	defaultCloseHour = 20
)

// Slot is one bookable half-hour interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BusySlot is a backend-reported unavailable interval.
type BusySlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Grid generates the fixed candidate slots for a calendar day.
type Grid struct {
	OpenHour  int
	CloseHour int
}

// DefaultGrid is the standard working-day grid.
var DefaultGrid = Grid{OpenHour: defaultOpenHour, CloseHour: defaultCloseHour}

// Candidates returns every half-hour slot of the given day, in order.
func (g Grid) Candidates(day time.Time) []Slot {
	y, m, d := day.Date()
	start := time.Date(y, m, d, g.OpenHour, 0, 0, 0, day.Location())
	end := time.Date(y, m, d, g.CloseHour, 0, 0, 0, day.Location())

	var out []Slot
	for t := start; t.Before(end); t = t.Add(SlotDuration) {
		out = append(out, Slot{Start: t, End: t.Add(SlotDuration)})
	}
	return out
}

// Available filters the candidate grid: a slot survives when it overlaps no
// busy interval and has not already started.
func (g Grid) Available(day time.Time, busy []BusySlot, now time.Time) []Slot {
	var out []Slot
	for _, s := range g.Candidates(day) {
		if !s.Start.After(now) {
			continue
		}
		if overlapsAny(s, busy) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func overlapsAny(s Slot, busy []BusySlot) bool {
	for _, b := range busy {
		if s.Start.Before(b.End) && b.Start.Before(s.End) {
			return true
		}
	}
	return false
}

// busyEnvelope is the backend's standard response wrapper.
type busyEnvelope struct {
	IsSuccess bool       `json:"isSuccess"`
	Value     []BusySlot `json:"value"`
}

// Client fetches busy slots over REST.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a schedule client for the API base URL.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// BusySlots fetches the busy intervals of a provider for one day.
func (c *Client) BusySlots(ctx context.Context, providerID string, day time.Time) ([]BusySlot, error) {
	url := fmt.Sprintf("%s/Schedule/BusySlots?providerId=%s&date=%s",
		c.baseURL, providerID, day.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("busy slots: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("busy slots: unexpected status %d", resp.StatusCode)
	}
	var env busyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("busy slots: decode: %w", err)
	}
	if !env.IsSuccess {
		return nil, fmt.Errorf("busy slots: backend reported failure")
	}
	return env.Value, nil
}
