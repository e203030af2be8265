package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatcore/internal/api"
	"chatcore/internal/config"
)

// AddUser seeds a user through the admin API of a running server and prints
// a token the user can connect with.
func AddUser(username string, cfg *config.Config) error {
	return addUser(http.DefaultClient, fmt.Sprintf("http://%s", cfg.AdminAddr), username, cfg.APIAddr)
}

func addUser(client *http.Client, adminURL, username, apiAddr string) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := client.Post(adminURL+"/admin/users", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:   %s\n", result.Username)
	fmt.Printf("User ID:    %s\n", result.UserID)
	fmt.Printf("Token:      %s\n", result.Token)
	fmt.Printf("Expires at: %s\n\n", result.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("Connect with: ws://%s/api/chat?token=%s\n", apiAddr, result.Token)
	return nil
}
