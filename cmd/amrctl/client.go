package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/amr.controller/internal/api"
	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/robot"
)

// client talks to the controller's HTTP API.
type client struct {
	base string
	http httputil.HTTPClient
}

func newClient(server string, hc httputil.HTTPClient) (*client, error) {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server %q, expected http://host:port", server)
	}
	return &client{base: strings.TrimRight(u.String(), "/"), http: hc}, nil
}

func (c *client) call(ctx context.Context, method, path string, in, out any) error {
	return httputil.DoJSON(ctx, c.http, method, c.base+path, in, out)
}

func (c *client) Status(ctx context.Context) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &s)
	return s, err
}

func (c *client) SetMode(ctx context.Context, mode robot.Mode) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/mode", api.ModeRequest{Mode: string(mode)}, &s)
	return s, err
}

func (c *client) EmergencyStop(ctx context.Context, reason string) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/estop", api.EStopRequest{Reason: reason}, &s)
	return s, err
}

func (c *client) Rearm(ctx context.Context) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/rearm", nil, &s)
	return s, err
}

// Drive sends a drive pad command. A nil speed uses the controller default.
func (c *client) Drive(ctx context.Context, dir string, speed *int) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/drive", api.DriveRequest{Direction: dir, Speed: speed}, &s)
	return s, err
}

func (c *client) Maneuver(ctx context.Context, kind string) (api.StatusResponse, error) {
	var s api.StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/maneuver", api.ManeuverRequest{Kind: kind}, &s)
	return s, err
}

// Events returns the newest events, from the database when persisted is set.
func (c *client) Events(ctx context.Context, limit int, persisted bool) ([]robot.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if persisted {
		q.Set("source", "db")
	}
	var events []robot.Event
	err := c.call(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &events)
	return events, err
}
