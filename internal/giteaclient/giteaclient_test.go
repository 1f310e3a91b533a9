package giteaclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWhoAmI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token tok" {
			t.Fatalf("missing auth header")
		}
		w.Write([]byte(`{"login":"svc-bot"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5*time.Second, 0, 0, "syncd-test")
	login, err := c.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if login != "svc-bot" {
		t.Fatalf("unexpected login: %s", login)
	}
}

func TestRepoExistsFalseOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5*time.Second, 0, 0, "")
	ok, err := c.RepoExists(context.Background(), "org1", "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected repo to not exist")
	}
}

func TestCreateOrgRepoForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orgs/org1/repos" {
			t.Fatalf("expected org create endpoint, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"token lacks write:organization"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5*time.Second, 0, 0, "")
	_, err := c.CreateOrgRepo(context.Background(), "org1", "repo", CreateRepoOpts{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateUserRepoConflictIsTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5*time.Second, 0, 0, "")
	_, err := c.CreateUserRepo(context.Background(), "repo", CreateRepoOpts{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRateLimiterSaturates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"login":"svc-bot"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5*time.Second, 1, 1, "")
	if _, err := c.WhoAmI(context.Background()); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if _, err := c.WhoAmI(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on saturated bucket, got %v", err)
	}
}
