// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "keynetctl",
		Short: "Keynet key provisioning CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYNETCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYNETCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(generateMasterCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(retryImportCmd())
	rootCmd.AddCommand(tokenHealthCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keynetctl version %s\n", version)
		},
	}
}

// generateMasterCmd はマスター鍵の生成コマンド。
func generateMasterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-master",
		Short: "Generate a new master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/master-keys", apiURL)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				KeyID          string `json:"key_id"`
				Fingerprint    string `json:"fingerprint"`
				PublicKey      string `json:"public_key"`
				RevocationCert string `json:"revocation_cert"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Created master key %s (fingerprint: %s)\n", result.KeyID, result.Fingerprint)
			fmt.Println()
			fmt.Println(result.PublicKey)
			fmt.Println("Store the revocation certificate offline:")
			fmt.Println(result.RevocationCert)
			return nil
		},
	}
}

// generateCmd はサブ鍵の生成コマンド。
func generateCmd() *cobra.Command {
	var class, entityID, masterKeyID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a subkey for an entity and provision it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			reqBody, err := json.Marshal(map[string]string{"master_key_id": masterKeyID})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/entities/%s/%s/keys", apiURL, class, entityID)
			body, err := doRequest(http.MethodPost, url, bytes.NewReader(reqBody), http.StatusCreated)
			if err != nil {
				return err
			}

			return printProvisionResult(body, entityID)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "Entity class: device, router (required)")
	cmd.Flags().StringVar(&entityID, "id", "", "Entity ID (required)")
	cmd.Flags().StringVar(&masterKeyID, "master", "", "Master key ID (required)")
	cmd.MarkFlagRequired("class")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("master")
	return cmd
}

// rotateCmd はサブ鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var class, entityID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the active subkey for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/entities/%s/%s/keys/rotate", apiURL, class, entityID)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusCreated)
			if err != nil {
				return err
			}

			return printProvisionResult(body, entityID)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "Entity class: device, router (required)")
	cmd.Flags().StringVar(&entityID, "id", "", "Entity ID (required)")
	cmd.MarkFlagRequired("class")
	cmd.MarkFlagRequired("id")
	return cmd
}

// listCmd はサブ鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var class, entityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all subkeys for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/entities/%s/%s/keys", apiURL, class, entityID)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Keys []struct {
					KeyID     string   `json:"key_id"`
					Algorithm string   `json:"algorithm"`
					Usages    []string `json:"usages"`
					Status    string   `json:"status"`
					ExpiresAt string   `json:"expires_at"`
				} `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("%-38s %-12s %-26s %-9s %s\n", "KEY_ID", "ALGORITHM", "USAGES", "STATUS", "EXPIRES_AT")
			for _, k := range result.Keys {
				fmt.Printf("%-38s %-12s %-26s %-9s %s\n", k.KeyID, k.Algorithm, strings.Join(k.Usages, ","), k.Status, k.ExpiresAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "Entity class: device, router (required)")
	cmd.Flags().StringVar(&entityID, "id", "", "Entity ID (required)")
	cmd.MarkFlagRequired("class")
	cmd.MarkFlagRequired("id")
	return cmd
}

// verifyCmd はサブ鍵の健全性検証コマンド。
func verifyCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a subkey by signing and checking a probe message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/subkeys/%s/verify", apiURL, keyID)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Valid bool `json:"valid"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if result.Valid {
				fmt.Printf("Key %s verified OK\n", keyID)
				return nil
			}
			return fmt.Errorf("key %s failed verification, rotate it", keyID)
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Subkey ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// retryImportCmd は未書き込み鍵の再書き込みコマンド。
func retryImportCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "retry-import",
		Short: "Retry provisioning a minted subkey into its token slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/subkeys/%s/import", apiURL, keyID)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Provisioned bool   `json:"provisioned"`
				ImportError string `json:"import_error"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if result.Provisioned {
				fmt.Printf("Key %s provisioned\n", keyID)
				return nil
			}
			return fmt.Errorf("import failed again: %s", result.ImportError)
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Subkey ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// tokenHealthCmd はトークン稼働状態の取得コマンド。
func tokenHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token-health",
		Short: "Show hardware token health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYNETCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/token/health", apiURL)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			// 503はトークン未接続を示すレスポンスで、エラー本文ではない
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Status     string `json:"status"`
				Serial     uint32 `json:"serial"`
				Version    string `json:"version"`
				PINRetries int    `json:"pin_retries"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Status:      %s\n", result.Status)
			if result.Serial != 0 {
				fmt.Printf("Serial:      %d\n", result.Serial)
				fmt.Printf("Version:     %s\n", result.Version)
				fmt.Printf("PIN retries: %d\n", result.PINRetries)
			}
			return nil
		},
	}
}

func printProvisionResult(body []byte, entityID string) error {
	if output == "json" {
		fmt.Println(string(body))
		return nil
	}
	var result struct {
		Key struct {
			KeyID       string `json:"key_id"`
			Fingerprint string `json:"fingerprint"`
			Algorithm   string `json:"algorithm"`
			ExpiresAt   string `json:"expires_at"`
		} `json:"key"`
		Previous *struct {
			KeyID string `json:"key_id"`
		} `json:"previous"`
		Provisioned bool   `json:"provisioned"`
		ImportError string `json:"import_error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Generated key %s for entity %q (algorithm: %s, expires: %s)\n",
		result.Key.KeyID, entityID, result.Key.Algorithm, result.Key.ExpiresAt)
	if result.Previous != nil {
		fmt.Printf("Revoked previous key %s\n", result.Previous.KeyID)
	}
	if !result.Provisioned {
		return fmt.Errorf("key minted but not written to the token (%s), run: keynetctl retry-import --key %s",
			result.ImportError, result.Key.KeyID)
	}
	fmt.Println("Provisioned into token slot.")
	return nil
}

func doRequest(method, url string, reqBody io.Reader, wantStatus int) ([]byte, error) {
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
