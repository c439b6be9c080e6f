package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/ratelimit"
)

// Client fetches failing violations from the compliance-monitoring
// platform's paginated REST API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokenSrc     oauth2.TokenSource
	refreshToken func() oauth2.TokenSource // nil when authenticated by a pre-issued static token
	limiter      *ratelimit.Limiter
	logger       logr.Logger
}

// Config configures the monitor client's authentication and endpoint.
type Config struct {
	BaseURL      string
	Token        string // pre-issued token, used if set
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// NewClient builds a Client. Either Token or (ClientID, ClientSecret,
// TokenURL) must be set.
func NewClient(cfg Config, limiter *ratelimit.Limiter, logger logr.Logger) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	var tokenSrc oauth2.TokenSource
	var refreshToken func() oauth2.TokenSource
	if cfg.Token != "" {
		tokenSrc = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	} else {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, terrafixerrors.New(terrafixerrors.KindConfig, false,
				"construct monitor client", fmt.Errorf("either a token or client-id/client-secret/token-url is required"))
		}
		ccCfg := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		// TokenSource wraps an oauth2.ReuseTokenSource that only
		// re-exchanges once the cached token reports itself expired;
		// refreshToken builds a brand-new, uncached source so a 401
		// can force an immediate re-exchange instead of replaying the
		// same (rejected) cached token.
		refreshToken = func() oauth2.TokenSource { return ccCfg.TokenSource(ctx) }
		tokenSrc = refreshToken()
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		tokenSrc:     tokenSrc,
		refreshToken: refreshToken,
		limiter:      limiter,
		logger:       logger,
	}, nil
}

// page is the monitor API's paginated response envelope.
type page struct {
	Violations []rawViolation `json:"violations"`
	PageInfo   struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

type rawViolation struct {
	Violation
	DetectedAtRaw string `json:"detected_at"`
}

// FetchFailing returns every currently-failing violation, optionally
// filtered client-side by since and by frameworks.
func (c *Client) FetchFailing(ctx context.Context, since *time.Time, frameworks []string) ([]Violation, error) {
	var out []Violation
	cursor := ""
	reauthed := false

	for {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, 30*time.Second); err != nil {
				return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "acquire monitor rate-limit token", err)
			}
		}

		resp, err := c.fetchPage(ctx, cursor)
		if err != nil {
			var statusErr *statusError
			if asStatusError(err, &statusErr) && statusErr.status == http.StatusUnauthorized && !reauthed {
				reauthed = true
				if c.refreshToken != nil {
					c.tokenSrc = c.refreshToken()
				}
				c.logger.Info("monitor client received 401, re-running OAuth exchange once")
				continue
			}
			return nil, err
		}

		for _, rv := range resp.Violations {
			v := rv.Violation
			if rv.DetectedAtRaw != "" {
				v.DetectedAt = parseTimestamp(rv.DetectedAtRaw)
			}
			if since != nil && v.DetectedAt.Before(*since) {
				continue
			}
			if len(frameworks) > 0 && !contains(frameworks, v.Framework) {
				continue
			}
			c.enrich(ctx, &v)
			out = append(out, v)
		}

		if !resp.PageInfo.HasNextPage {
			break
		}
		cursor = resp.PageInfo.EndCursor
	}
	return out, nil
}

// FetchFailingSince is a convenience wrapper matching spec's named
// operation; since is required (non-nil).
func (c *Client) FetchFailingSince(ctx context.Context, since time.Time) ([]Violation, error) {
	return c.FetchFailing(ctx, &since, nil)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("monitor API returned status %d: %s", e.status, e.body)
}

func asStatusError(err error, target **statusError) bool {
	opErr, ok := err.(*terrafixerrors.OperationError)
	if !ok {
		return false
	}
	se, ok := opErr.Cause.(*statusError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func (c *Client) fetchPage(ctx context.Context, cursor string) (*page, error) {
	url := c.baseURL + "/violations?limit=100"
	if cursor != "" {
		url += "&cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, false, "build monitor request", err)
	}

	token, err := c.tokenSrc.Token()
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "obtain OAuth token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "fetch violations page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "fetch violations page",
			&statusError{status: resp.StatusCode})
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "fetch violations page",
			&statusError{status: resp.StatusCode})
	}
	if resp.StatusCode >= 300 {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, resp.StatusCode >= 500, "fetch violations page",
			&statusError{status: resp.StatusCode})
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindMonitorAPI, false, "decode violations page", err)
	}
	return &p, nil
}

// enrich performs a best-effort follow-up fetch keyed by the
// violation's enrichment id. Enrichment failures degrade silently —
// the violation is kept without enrichment, per spec.
func (c *Client) enrich(ctx context.Context, v *Violation) {
	if v.EnrichmentID == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/enrichment/"+v.EnrichmentID, nil)
	if err != nil {
		return
	}
	token, err := c.tokenSrc.Token()
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.V(1).Info("enrichment fetch failed, continuing without it", "violation_id", v.ID, "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var enrichment map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&enrichment); err != nil {
		return
	}
	if v.CurrentState == nil {
		v.CurrentState = make(map[string]any)
	}
	for k, val := range enrichment {
		v.CurrentState[k] = val
	}
}

// parseTimestamp parses ISO-8601 timestamps including trailing-Z.
// Unparseable timestamps sort as the minimum value (time.Time{}),
// per spec.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
