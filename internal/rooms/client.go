// Package rooms tracks the live room directory: a REST listing polled as a
// fallback, reconciled with push updates from the hub.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Status is the derived lifecycle state of a room.
type Status string

const (
	StatusUpcoming Status = "Upcoming"
	StatusLive     Status = "Live"
	StatusEnded    Status = "Ended"
)

// Room is one livestream room as reported by the backend.
type Room struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	HostName  string     `json:"hostName,omitempty"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
}

// Status derives the room state from its schedule at the given instant.
func (r Room) Status(now time.Time) Status {
	if r.EndDate != nil && now.After(*r.EndDate) {
		return StatusEnded
	}
	if now.Before(r.StartDate) {
		return StatusUpcoming
	}
	return StatusLive
}

// listEnvelope is the backend's standard response wrapper.
type listEnvelope struct {
	IsSuccess bool   `json:"isSuccess"`
	Value     []Room `json:"value"`
}

// Client fetches the room listing over REST.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a room directory client for the signaling base URL.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// ListRooms fetches the current room listing.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/LiveStream/Rooms", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: unexpected status %d", resp.StatusCode)
	}
	var env listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("list rooms: decode: %w", err)
	}
	if !env.IsSuccess {
		return nil, fmt.Errorf("list rooms: backend reported failure")
	}
	return env.Value, nil
}
