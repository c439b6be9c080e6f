package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/terrafix/terrafix/pkg/logging"
)

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "test-token",
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func TestFetchFailingPaginates(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler)
	mux.HandleFunc("/violations", func(w http.ResponseWriter, r *http.Request) {
		calls++
		cursor := r.URL.Query().Get("cursor")
		if cursor == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"violations": []map[string]any{
					{"id": "v1", "resource_id": "arn:1", "detected_at": "2026-01-01T00:00:00Z"},
				},
				"pageInfo": map[string]any{"hasNextPage": true, "endCursor": "page2"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"violations": []map[string]any{
				{"id": "v2", "resource_id": "arn:2", "detected_at": "2026-01-02T00:00:00Z"},
			},
			"pageInfo": map[string]any{"hasNextPage": false},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
	}, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	violations, err := client.FetchFailing(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("FetchFailing: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations across both pages, got %d", len(violations))
	}
	if calls != 2 {
		t.Errorf("expected 2 page fetches, got %d", calls)
	}
}

func TestFetchFailingReauthsOnceOn401(t *testing.T) {
	tokenCalls := 0
	violationCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		tokenHandler(w, r)
	})
	mux.HandleFunc("/violations", func(w http.ResponseWriter, r *http.Request) {
		violationCalls++
		if violationCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"violations": []map[string]any{{"id": "v1", "resource_id": "arn:1"}},
			"pageInfo":   map[string]any{"hasNextPage": false},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL + "/oauth/token",
	}, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	violations, err := client.FetchFailing(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("FetchFailing after 401 retry: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation after retry, got %d", len(violations))
	}
	if violationCalls != 2 {
		t.Errorf("expected exactly 2 violation-endpoint calls (original + one retry), got %d", violationCalls)
	}
	if tokenCalls < 2 {
		t.Errorf("expected the 401 to force a fresh OAuth exchange (tokenCalls >= 2), got %d", tokenCalls)
	}
}

func TestParseTimestampUnparseableSortsAsMinimum(t *testing.T) {
	got := parseTimestamp("not-a-timestamp")
	if !got.Equal(time.Time{}) {
		t.Errorf("expected unparseable timestamp to be the zero value, got %v", got)
	}
}

func TestParseTimestampTrailingZ(t *testing.T) {
	got := parseTimestamp("2026-03-05T10:00:00Z")
	if got.IsZero() {
		t.Fatal("expected trailing-Z timestamp to parse")
	}
}
