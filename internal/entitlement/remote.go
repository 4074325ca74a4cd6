package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/vidgrab/internal/video"
)

// RemoteLookup asks a subscription service about each token.
type RemoteLookup struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type subscriptionResponse struct {
	Identity   string `json:"identity"`
	Plan       string `json:"plan"`
	MaxQuality string `json:"maxQuality"`
	Active     bool   `json:"active"`
}

// NewRemoteLookup creates a lookup against the service at baseURL, authenticating with the
// service token.
func NewRemoteLookup(baseURL, serviceToken string) (*RemoteLookup, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid subscription service url %q", baseURL)
	}

	base := &http.Client{
		Timeout:   5 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	httpClient := base
	if serviceToken != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: serviceToken})
		httpClient = oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, base), tokenSource)
	}

	return &RemoteLookup{baseURL: u, httpClient: httpClient}, nil
}

func (l *RemoteLookup) Lookup(ctx context.Context, token string) (CallerContext, error) {
	endpoint := l.baseURL.JoinPath("v1", "subscriptions", url.PathEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return CallerContext{}, fmt.Errorf("failed to create subscription request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return CallerContext{}, fmt.Errorf("failed to query subscription service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return CallerContext{}, nil
	default:
		return CallerContext{}, fmt.Errorf("subscription service returned %d", resp.StatusCode)
	}

	var sub subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return CallerContext{}, fmt.Errorf("failed to decode subscription: %w", err)
	}

	caller := CallerContext{Identity: sub.Identity, Plan: sub.Plan, Subscribed: sub.Active}
	if q, err := video.ParseQuality(sub.MaxQuality); err == nil {
		caller.MaxQuality = q
	}

	return caller, nil
}
