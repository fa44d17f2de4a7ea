package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-waterwatch/internal/httpc"
)

// PostgRESTStore implements Store against a PostgREST endpoint such as a
// Supabase project's REST API.
type PostgRESTStore struct {
	base   string // .../rest/v1/water_level_cameras
	apiKey string
	client *http.Client
}

var _ Store = (*PostgRESTStore)(nil)

// NewPostgREST creates a store for the project at baseURL. A nil client
// uses the shared httpc client.
func NewPostgREST(baseURL, apiKey string, client *http.Client) (*PostgRESTStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("postgrest: invalid url %q", baseURL)
	}
	if client == nil {
		client = httpc.Client
	}
	return &PostgRESTStore{
		base:   u.String() + "/rest/v1/" + Table,
		apiKey: apiKey,
		client: client,
	}, nil
}

// Close is a no-op; the HTTP client is shared.
func (p *PostgRESTStore) Close() error { return nil }

func (p *PostgRESTStore) header(representation bool) http.Header {
	h := http.Header{}
	if p.apiKey != "" {
		h.Set("apikey", p.apiKey)
		h.Set("Authorization", "Bearer "+p.apiKey)
	}
	if representation {
		h.Set("Prefer", "return=representation")
	}
	return h
}

func (p *PostgRESTStore) byID(id string) string {
	return p.base + "?id=eq." + url.QueryEscape(id)
}

// Create stores a new camera.
func (p *PostgRESTStore) Create(ctx context.Context, in NewCamera) (*Camera, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"name":       in.Name,
		"roi_coords": in.ROI,
		"min_value":  in.MinValue,
		"max_value":  in.MaxValue,
		"threshold":  in.Threshold,
		"status":     StatusInactive,
	}

	var rows []*Camera
	if err := httpc.DoJSON(ctx, p.client, http.MethodPost, p.base, p.header(true), body, &rows); err != nil {
		return nil, fmt.Errorf("create camera: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("create camera: empty response")
	}
	return rows[0], nil
}

// FetchConfig returns one camera.
func (p *PostgRESTStore) FetchConfig(ctx context.Context, id string) (*Camera, error) {
	var rows []*Camera
	if err := httpc.DoJSON(ctx, p.client, http.MethodGet, p.byID(id)+"&select=*", p.header(false), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch camera %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// List returns all cameras, oldest first.
func (p *PostgRESTStore) List(ctx context.Context) ([]*Camera, error) {
	rows := []*Camera{}
	if err := httpc.DoJSON(ctx, p.client, http.MethodGet, p.base+"?select=*&order=created_at.asc", p.header(false), nil, &rows); err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	return rows, nil
}

// Delete removes a camera.
func (p *PostgRESTStore) Delete(ctx context.Context, id string) error {
	var rows []*Camera
	if err := httpc.DoJSON(ctx, p.client, http.MethodDelete, p.byID(id), p.header(true), nil, &rows); err != nil {
		return fmt.Errorf("delete camera %s: %w", id, err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLevel records the latest reading.
func (p *PostgRESTStore) UpdateLevel(ctx context.Context, id string, level float64) error {
	return p.patch(ctx, id, map[string]interface{}{
		"current_level": level,
		"updated_at":    time.Now().UTC(),
	})
}

// UpdateStatus records the camera state.
func (p *PostgRESTStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return p.patch(ctx, id, map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
}

func (p *PostgRESTStore) patch(ctx context.Context, id string, fields map[string]interface{}) error {
	var rows []*Camera
	if err := httpc.DoJSON(ctx, p.client, http.MethodPatch, p.byID(id), p.header(true), fields, &rows); err != nil {
		return fmt.Errorf("update camera %s: %w", id, err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}
