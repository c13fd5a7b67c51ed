package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nexum/internal/api"
	"nexum/internal/config"
)

// AddUser asks the running server's admin API to create the user and
// prints the client settings for it.
func AddUser(ctx context.Context, req api.AddUserRequest, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nUser saved.\n")
	fmt.Fprintf(out, "Name:     %s\n", result.User.Name)
	fmt.Fprintf(out, "Expires:  %s\n\n", result.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "NEXUM_IDENTITY=%s\n", result.User.Email)
	fmt.Fprintf(out, "NEXUM_TOKEN=%s\n", result.Token)
	return nil
}
