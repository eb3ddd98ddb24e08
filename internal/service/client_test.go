package service_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"
)

func TestNewRepoUploader(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		url      string
		auth     model.Auth
		wantErr  bool
	}{
		{scenario: "no auth", url: "http://localhost:8080", auth: model.Auth{Type: model.AuthTypeNone}},
		{scenario: "static token", url: "https://repo.example.com/", auth: model.Auth{Type: model.AuthTypeStaticToken, Token: "t"}},
		{scenario: "token missing", url: "http://localhost:8080", auth: model.Auth{Type: model.AuthTypeStaticToken}, wantErr: true},
		{scenario: "unknown auth", url: "http://localhost:8080", auth: model.Auth{Type: "oauth2"}, wantErr: true},
		{scenario: "no scheme", url: "localhost:8080", wantErr: true},
		{scenario: "with path", url: "http://localhost:8080/api", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewRepoUploader(tc.url, tc.auth)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRepoUploader(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		handler  http.HandlerFunc
		err      string
	}{
		{
			scenario: "created",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(service.CreateResponse{ID: "42", Version: 1})
			},
		},
		{
			scenario: "unexpected body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, `{}`)
			},
			err: "received unexpected body",
		},
		{
			scenario: "problem",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusConflict)
				_, _ = io.WriteString(w, `{"detail":"already uploaded"}`)
			},
			err: "status code: 409, detail: already uploaded",
		},
		{
			scenario: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, "boom")
			},
			err: "unknown error, status: 500, body: boom",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v1/sweeps", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" || r.Header.Get("Content-Type") != "application/json" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				tc.handler(w, r)
			})
			srv := httptest.NewServer(mux)
			t.Cleanup(srv.Close)

			u, err := service.NewRepoUploader(srv.URL, model.Auth{Type: model.AuthTypeStaticToken, Token: "secret"})
			require.NoError(t, err)
			err = u.Upload(t.Context(), []byte(`{"count":0}`))
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
		})
	}
}
