// Package ari is a minimal client for the Asterisk REST Interface: the
// REST operations the engine needs plus a typed event pump over the stasis
// WebSocket. It is not a general ARI binding; it covers exactly the surface
// of this voicebot.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Channel is the subset of the PBX channel resource the engine reads.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Dialplan struct {
		Context string `json:"context"`
		Exten   string `json:"exten"`
	} `json:"dialplan"`
}

// Bridge is a PBX mixing bridge.
type Bridge struct {
	ID   string `json:"id"`
	Type string `json:"bridge_type"`
}

// Playback is a queued or running media playback.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// LiveRecording is an in-progress channel recording.
type LiveRecording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	State  string `json:"state"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// Client talks to one PBX over its REST interface.
type Client struct {
	baseURL  string
	app      string
	username string
	password string
	httpc    *http.Client
}

// New creates a client for the REST root at baseURL (e.g.
// "http://127.0.0.1:8088/ari") authenticating with the given credentials.
// app is the stasis application name used for snoop and external media
// channels.
func New(baseURL, app, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		app:      app,
		username: username,
		password: password,
		httpc:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// App returns the stasis application name the client was built with.
func (c *Client) App() string { return c.app }

// ChannelGet fetches the current state of a channel.
func (c *Client) ChannelGet(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, "channel get", channelID, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ChannelAnswer answers a ringing channel.
func (c *Client) ChannelAnswer(ctx context.Context, channelID string) error {
	return c.do(ctx, "channel answer", channelID, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// ChannelPlay starts a playback of media on the channel under the given
// playback id, so the caller can stop it and correlate finish events.
func (c *Client) ChannelPlay(ctx context.Context, channelID, playbackID, media string) (*Playback, error) {
	q := url.Values{"media": {media}}
	var pb Playback
	err := c.do(ctx, "channel play", channelID, http.MethodPost,
		"/channels/"+channelID+"/play/"+playbackID, q, &pb)
	if err != nil {
		return nil, err
	}
	return &pb, nil
}

// ChannelHangup hangs up a channel. A channel that is already gone counts
// as success.
func (c *Client) ChannelHangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, "channel hangup", channelID, http.MethodDelete, "/channels/"+channelID, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// ChannelRecord starts recording the channel into name.format.
func (c *Client) ChannelRecord(ctx context.Context, channelID, name, format string, maxDurationSec int) (*LiveRecording, error) {
	q := url.Values{
		"name":               {name},
		"format":             {format},
		"maxDurationSeconds": {strconv.Itoa(maxDurationSec)},
		"ifExists":           {"overwrite"},
	}
	var rec LiveRecording
	err := c.do(ctx, "channel record", channelID, http.MethodPost,
		"/channels/"+channelID+"/record", q, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ChannelSetVar sets a channel variable, e.g. "TALK_DETECT(set)" to enable
// talk detection events on the caller leg.
func (c *Client) ChannelSetVar(ctx context.Context, channelID, variable, value string) error {
	q := url.Values{"variable": {variable}, "value": {value}}
	return c.do(ctx, "channel set var", channelID, http.MethodPost,
		"/channels/"+channelID+"/variable", q, nil)
}

// PlaybackStop stops a running playback. Missing playbacks count as success.
func (c *Client) PlaybackStop(ctx context.Context, playbackID string) error {
	err := c.do(ctx, "playback stop", playbackID, http.MethodDelete, "/playbacks/"+playbackID, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// RecordingStop stops and stores a live recording. Missing recordings count
// as success.
func (c *Client) RecordingStop(ctx context.Context, name string) error {
	err := c.do(ctx, "recording stop", name, http.MethodPost, "/recordings/live/"+name+"/stop", nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// BridgeCreate creates a mixing bridge with DTMF events enabled.
func (c *Client) BridgeCreate(ctx context.Context, bridgeID string) (*Bridge, error) {
	q := url.Values{
		"type":     {"mixing,dtmf_events"},
		"bridgeId": {bridgeID},
	}
	var br Bridge
	if err := c.do(ctx, "bridge create", bridgeID, http.MethodPost, "/bridges", q, &br); err != nil {
		return nil, err
	}
	return &br, nil
}

// BridgeDestroy destroys a bridge. Missing bridges count as success.
func (c *Client) BridgeDestroy(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, "bridge destroy", bridgeID, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// BridgeAddChannel adds a channel to a bridge. Callers should wrap this in
// [Backoff.Do]: the PBX reports recoverable conditions while the channel is
// still entering stasis or finishing a recording.
func (c *Client) BridgeAddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, "bridge add channel", bridgeID, http.MethodPost,
		"/bridges/"+bridgeID+"/addChannel", q, nil)
}

// BridgeRemoveChannel removes a channel from a bridge. Missing resources
// count as success.
func (c *Client) BridgeRemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	err := c.do(ctx, "bridge remove channel", bridgeID, http.MethodPost,
		"/bridges/"+bridgeID+"/removeChannel", q, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// SnoopChannel creates a snoop channel spying on the inbound audio of
// parentID. linkedID travels in the application arguments so stasis events
// for the snoop can be correlated back to the call.
func (c *Client) SnoopChannel(ctx context.Context, parentID, snoopID, linkedID string) (*Channel, error) {
	q := url.Values{
		"app":     {c.app},
		"appArgs": {"linkedId=" + linkedID},
		"spy":     {"in"},
		"whisper": {"none"},
		"snoopId": {snoopID},
	}
	var ch Channel
	err := c.do(ctx, "snoop channel", parentID, http.MethodPost,
		"/channels/"+parentID+"/snoop", q, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ExternalMedia creates a channel that exchanges μ-law RTP with the engine's
// UDP endpoint.
func (c *Client) ExternalMedia(ctx context.Context, channelID, linkedID, externalHost string) (*Channel, error) {
	q := url.Values{
		"app":           {c.app},
		"channelId":     {channelID},
		"external_host": {externalHost},
		"format":        {"ulaw"},
		"direction":     {"both"},
		"appArgs":       {"linkedId=" + linkedID + ",role=externalMedia,kind=stt"},
	}
	var ch Channel
	err := c.do(ctx, "external media", channelID, http.MethodPost,
		"/channels/externalMedia", q, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// do performs one REST call. A nil out skips body decoding.
func (c *Client) do(ctx context.Context, op, resource, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return &OpError{Op: op, Resource: resource, Kind: KindTransport, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &OpError{Op: op, Resource: resource, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &OpError{Op: op, Resource: resource, Kind: KindTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resource, resp.StatusCode, string(body))
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &OpError{Op: op, Resource: resource, Kind: KindServer,
				Msg: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}
