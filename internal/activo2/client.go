package activo2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "activo2sync/internal/log"
	"activo2sync/internal/model"
)

const defaultTimeout = 30 * time.Second

// maxBodyBytes bounds how much of a response we read. Schedules for a few
// months are well under a megabyte.
const maxBodyBytes = 8 << 20

// Client issues the Activo2 login, user-info and schedule calls. It keeps no
// state between calls apart from the HTTP transport, so one Client can serve
// any number of sequential refresh cycles.
type Client struct {
	http      *http.Client
	endpoints Endpoints
}

// NewClient creates a Client for the given endpoints.
//
// httpClient may be nil, in which case a client with a 30s timeout is used.
// The transport timeout is the only bound on a hung vendor call.
func NewClient(endpoints Endpoints, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		http:      httpClient,
		endpoints: endpoints,
	}
}

// Login runs the OAuth2 password grant and returns the id_token.
//
// An HTTP-level rejection is not an error: it returns ok=false so callers
// can tell bad credentials apart from a broken network. Only transport
// faults come back as errors.
func (c *Client) Login(ctx context.Context, username, password string) (token string, ok bool, err error) {
	form := url.Values{
		"grant_type":    {grantType},
		"username":      {c.endpoints.UsernamePrefix + username},
		"password":      {password},
		"client_id":     {c.endpoints.ClientID},
		"scope":         {scope},
		"response_type": {responseType},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, fmt.Errorf("create login request: %w", err)
	}
	c.setHeaders(req, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(req)
	if err != nil {
		return "", false, transportError("login", err)
	}

	if status != http.StatusOK {
		appLog.Error("activo2 login rejected", errors.New(http.StatusText(status)),
			"status", status, "body", truncate(string(body), 220), "username", username)
		return "", false, nil
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		appLog.Error("activo2 login response undecodable", err, "status", status)
		return "", false, nil
	}
	if strings.TrimSpace(tr.IDToken) == "" {
		appLog.Error("activo2 login response without id_token", errors.New("empty id_token"), "status", status)
		return "", false, nil
	}

	appLog.Debug("activo2 login success", "username", username)
	return tr.IDToken, true, nil
}

// UserInfo fetches the profile of the authenticated user.
func (c *Client) UserInfo(ctx context.Context, token string) (model.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.UserInfoURL, nil)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("create userinfo request: %w", err)
	}
	c.setHeaders(req, token)

	status, body, err := c.do(req)
	if err != nil {
		return model.UserProfile{}, transportError("userinfo", err)
	}

	if status != http.StatusOK {
		serr := &StatusError{Endpoint: "userinfo", StatusCode: status, Body: strings.TrimSpace(string(body))}
		appLog.Error("activo2 userinfo failed", serr, "status", status, "body", truncate(serr.Body, 220))
		return model.UserProfile{}, serr
	}

	var profile model.UserProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return model.UserProfile{}, malformedError("userinfo", err)
	}
	if strings.TrimSpace(profile.UserID) == "" {
		return model.UserProfile{}, malformedError("userinfo", errors.New("missing userid"))
	}

	return profile, nil
}

// Schedule fetches the nested schedule tree.
//
// A non-success status or an undecodable body is logged and degrades to an
// empty tree. Only transport faults are returned as errors.
func (c *Client) Schedule(ctx context.Context, token string) (ScheduleResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.ScheduleURL, nil)
	if err != nil {
		return ScheduleResponse{}, fmt.Errorf("create schedule request: %w", err)
	}
	c.setHeaders(req, token)

	status, body, err := c.do(req)
	if err != nil {
		return ScheduleResponse{}, transportError("schedule", err)
	}

	if status != http.StatusOK {
		serr := &StatusError{Endpoint: "schedule", StatusCode: status, Body: strings.TrimSpace(string(body))}
		appLog.Error("activo2 schedule failed; using empty schedule", serr, "status", status, "body", truncate(serr.Body, 220))
		return ScheduleResponse{}, nil
	}

	var sr ScheduleResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		appLog.Error("activo2 schedule undecodable; using empty schedule", malformedError("schedule", err))
		return ScheduleResponse{}, nil
	}

	appLog.Debug("activo2 schedule fetched", "months", len(sr.Months))
	return sr, nil
}

// Photo downloads the profile photo at photoURL. The vendor serves photos
// from a CDN that needs no token.
func (c *Client) Photo(ctx context.Context, photoURL string) ([]byte, string, error) {
	if strings.TrimSpace(photoURL) == "" {
		return nil, "", errors.New("photo URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create photo request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", transportError("photo", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", transportError("photo", err)
	}

	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Endpoint: "photo", StatusCode: resp.StatusCode}
		appLog.Error("activo2 photo fetch failed", serr, "url", redactURL(photoURL), "status", resp.StatusCode)
		return nil, "", serr
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return body, contentType, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	for _, h := range fingerprintHeaders {
		req.Header.Set(h[0], h[1])
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// do performs req and returns the status and body. Any error is a transport
// fault; the status is left for the caller to interpret.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// redactURL keeps only scheme and host of a URL for logging.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
