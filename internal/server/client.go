package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// ErrSessionNotFound is returned by Client.GetSession for an unknown
// (interface, address) pair.
var ErrSessionNotFound = errors.New("session not found")

// Client is the AcdService ConnectRPC client used by goacdctl.
type Client struct {
	listSessions *connect.Client[ListSessionsRequest, ListSessionsResponse]
	getSession   *connect.Client[GetSessionRequest, GetSessionResponse]
	watchEvents  *connect.Client[WatchEventsRequest, EventView]
}

// NewClient creates a Client for the API at baseURL (e.g.
// "http://localhost:8765"). A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient connect.HTTPClient, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")

	opts = append([]connect.ClientOption{CodecOption()}, opts...)

	return &Client{
		listSessions: connect.NewClient[ListSessionsRequest, ListSessionsResponse](
			httpClient, baseURL+ListSessionsProcedure, opts...,
		),
		getSession: connect.NewClient[GetSessionRequest, GetSessionResponse](
			httpClient, baseURL+GetSessionProcedure, opts...,
		),
		watchEvents: connect.NewClient[WatchEventsRequest, EventView](
			httpClient, baseURL+WatchEventsProcedure, opts...,
		),
	}
}

// ListSessions returns all sessions, or those on iface when it is non-empty.
func (c *Client) ListSessions(ctx context.Context, iface string) ([]SessionView, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(&ListSessionsRequest{Interface: iface}))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return resp.Msg.Sessions, nil
}

// GetSession returns the session claiming addr on iface.
func (c *Client) GetSession(ctx context.Context, iface, addr string) (SessionView, error) {
	resp, err := c.getSession.CallUnary(ctx, connect.NewRequest(&GetSessionRequest{
		Interface: iface,
		Address:   addr,
	}))
	if connect.CodeOf(err) == connect.CodeNotFound {
		return SessionView{}, fmt.Errorf("get session %s|%s: %w", iface, addr, ErrSessionNotFound)
	}
	if err != nil {
		return SessionView{}, fmt.Errorf("get session %s|%s: %w", iface, addr, err)
	}
	return resp.Msg.Session, nil
}

// WatchEvents streams events, optionally filtered by iface, calling fn for
// each one. It returns nil when ctx is cancelled or the server ends the
// stream, and fn's error if fn fails.
func (c *Client) WatchEvents(ctx context.Context, iface string, fn func(EventView) error) error {
	stream, err := c.watchEvents.CallServerStream(ctx, connect.NewRequest(&WatchEventsRequest{Interface: iface}))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("watch events: %w", err)
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(*stream.Msg()); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
