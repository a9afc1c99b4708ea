package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/auth"
	"github.com/lumenhq/lumen/internal/config"
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		InteractiveTimeout: 5 * time.Second,
		BulkTimeout:        10 * time.Second,
	}
}

func testClient(serverURL string) *Client {
	return NewClient(serverURL, testAPIConfig(), auth.Tokens{
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
	})
}

func TestSyncEntitySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entities/sync" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("auth header = %q", got)
		}
		var e Entity
		json.NewDecoder(r.Body).Decode(&e)
		json.NewEncoder(w).Encode(ServerEntity{
			ServerID: 77, LocalID: e.LocalID, Type: e.Type, Version: e.Version,
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.SyncEntity(context.Background(), Entity{
		LocalID: "f47ac10b-58cc-4372-a567-0e02b2c3d479", Type: "note", Version: 1,
	})
	if err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}
	if got.ServerID != 77 || got.Version != 1 {
		t.Errorf("server entity = %+v", got)
	}
}

func TestSyncEntityConflictCarriesServerCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictResponse{
			Error:  "version conflict",
			Server: &ServerEntity{ServerID: 9, Type: "note", Version: 5, UpdatedAt: 1000},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.SyncEntity(context.Background(), Entity{Type: "note", Version: 3})
	if !apperrors.IsConflict(err) {
		t.Fatalf("got %v, want conflict-coded error", err)
	}

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatal("error does not wrap *ConflictError")
	}
	if conflictErr.Server == nil || conflictErr.Server.Version != 5 {
		t.Errorf("server copy = %+v", conflictErr.Server)
	}
}

func TestRefreshOnceAndRetry(t *testing.T) {
	var syncCalls, refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			var req refreshRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.RefreshToken != "refresh-1" {
				t.Errorf("refresh token = %q", req.RefreshToken)
			}
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token-2", RefreshToken: "refresh-2"})
		case "/api/v1/entities/sync":
			if atomic.AddInt32(&syncCalls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
				t.Errorf("retried with %q, want refreshed token", got)
			}
			json.NewEncoder(w).Encode(ServerEntity{ServerID: 1, Version: 1})
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var refreshed auth.Tokens
	c.SetOnTokenRefresh(func(t auth.Tokens) { refreshed = t })

	if _, err := c.SyncEntity(context.Background(), Entity{Type: "note", Version: 1}); err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}
	if refreshCalls != 1 || syncCalls != 2 {
		t.Errorf("refresh=%d sync=%d, want 1 and 2", refreshCalls, syncCalls)
	}
	if refreshed.AccessToken != "token-2" || refreshed.RefreshToken != "refresh-2" {
		t.Errorf("callback tokens = %+v", refreshed)
	}
}

func TestRefreshKeepsTokenWhenResponseOmitsIt(t *testing.T) {
	var syncCalls, refreshCalls int32
	sentRefreshTokens := make([]string, 0, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			var req refreshRequest
			json.NewDecoder(r.Body).Decode(&req)
			sentRefreshTokens = append(sentRefreshTokens, req.RefreshToken)
			// The refresh token stays valid, so only a new access token
			// comes back.
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token-2"})
		case "/api/v1/entities/sync":
			// 401 on the first attempt of each call forces a refresh cycle.
			if atomic.AddInt32(&syncCalls, 1)%2 == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(ServerEntity{ServerID: 1, Version: 1})
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var refreshed auth.Tokens
	c.SetOnTokenRefresh(func(t auth.Tokens) { refreshed = t })

	for i := 0; i < 2; i++ {
		if _, err := c.SyncEntity(context.Background(), Entity{Type: "note", Version: 1}); err != nil {
			t.Fatalf("SyncEntity %d failed: %v", i, err)
		}
	}
	if refreshCalls != 2 {
		t.Fatalf("refresh calls = %d, want 2", refreshCalls)
	}
	for i, tok := range sentRefreshTokens {
		if tok != "refresh-1" {
			t.Errorf("refresh %d sent token %q, want the original refresh-1", i, tok)
		}
	}
	if refreshed.RefreshToken != "refresh-1" {
		t.Errorf("callback refresh token = %q, want refresh-1 preserved", refreshed.RefreshToken)
	}
}

func TestSecond401IsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/refresh" {
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token-2", RefreshToken: "refresh-2"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.SyncEntity(context.Background(), Entity{Type: "note"})
	if !apperrors.IsAuth(err) {
		t.Errorf("got %v, want auth error after second 401", err)
	}
}

func TestRefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/refresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.SyncEntity(context.Background(), Entity{Type: "note"})
	if !apperrors.IsAuth(err) {
		t.Errorf("got %v, want auth error when refresh is rejected", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusNotFound, apperrors.IsNotFound, "not found"},
		{http.StatusBadRequest, apperrors.IsValidation, "validation"},
		{http.StatusInternalServerError, apperrors.IsTransport, "transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(errorResponse{Error: "nope"})
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			_, err := c.SyncEntity(context.Background(), Entity{Type: "note"})
			if !tc.check(err) {
				t.Errorf("status %d mapped to %v", tc.status, err)
			}
		})
	}
}

func TestConnectionErrorIsTransport(t *testing.T) {
	// Port 1 is never listening.
	c := testClient("http://127.0.0.1:1")
	err := c.Ping(context.Background())
	if !apperrors.IsTransport(err) {
		t.Errorf("got %v, want transport error", err)
	}
}

func TestBulkSyncSplitsAtCap(t *testing.T) {
	var calls []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req BulkRequest
		json.NewDecoder(r.Body).Decode(&req)
		n := req.itemCount()
		calls = append(calls, n)
		if n > MaxBulkItems {
			t.Errorf("call carried %d items, cap is %d", n, MaxBulkItems)
		}
		var out BulkResult
		for _, e := range append(append(req.Entities, req.Sources...), req.Tags...) {
			id := int64(1)
			out.Results = append(out.Results, BulkItemResult{
				LocalID: e.LocalID, Status: BulkStatusSuccess, ServerID: &id, Version: e.Version,
			})
			out.SuccessCount++
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	req := BulkRequest{}
	for i := 0; i < 150; i++ {
		req.Entities = append(req.Entities, Entity{LocalID: "e", Type: "recording", Version: 1})
	}
	for i := 0; i < 30; i++ {
		req.Tags = append(req.Tags, Entity{LocalID: "t", Type: "tag", Version: 1})
	}

	c := testClient(srv.URL)
	res, err := c.BulkSync(context.Background(), req)
	if err != nil {
		t.Fatalf("BulkSync failed: %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("made %d calls, want 2", len(calls))
	}
	if len(res.Results) != 180 || res.SuccessCount != 180 {
		t.Errorf("merged %d results, success %d, want 180/180", len(res.Results), res.SuccessCount)
	}
}

func TestDeleteEntity(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if err := c.DeleteEntity(context.Background(), "note", 42); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if gotPath != "/api/v1/entities/note/42" || gotQuery != "soft=true" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}
}

func TestSplitBulkKeepsOrder(t *testing.T) {
	req := BulkRequest{}
	for i := 0; i < 5; i++ {
		req.Entities = append(req.Entities, Entity{Version: int64(i)})
	}
	calls := splitBulk(req, 2)
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	var versions []int64
	for _, call := range calls {
		for _, e := range call.Entities {
			versions = append(versions, e.Version)
		}
	}
	for i, v := range versions {
		if v != int64(i) {
			t.Fatalf("order broken: %v", versions)
		}
	}
}
