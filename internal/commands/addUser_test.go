package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nexum/internal/api"
	"nexum/internal/config"
	"nexum/internal/models"

	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/users", r.URL.Path)
		var req api.AddUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "alice@uni.edu", req.Email)

		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			User:      models.Participant{Email: req.Email, Name: "Alice"},
			Token:     "tok",
			ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	var out bytes.Buffer
	require.NoError(t, AddUser(context.Background(), api.AddUserRequest{Email: "alice@uni.edu"}, cfg, &out))
	require.Contains(t, out.String(), "NEXUM_IDENTITY=alice@uni.edu")
	require.Contains(t, out.String(), "NEXUM_TOKEN=tok")
}

func TestAddUser_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"email is not a valid address"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	err := AddUser(context.Background(), api.AddUserRequest{Email: "x"}, cfg, &bytes.Buffer{})
	require.ErrorContains(t, err, "Status: 400")
}
