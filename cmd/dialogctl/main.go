// Package main implements the dialogctl CLI for manual operations against dialogd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the dialogd HTTP server
	serverURL string
	// configPath overrides the default dialogd config location
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dialogctl",
	Short: "CLI for dialogd operations",
	Long: `dialogctl is a command-line interface for operating a dialogd deployment.
It provides commands for database migrations, knowledge search, sparse
encoder maintenance and server health checks.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8030", "dialogd server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to dialogd config.yaml")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(searchCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dialogd server health",
	Long: `Check the health status of the dialogd HTTP server.

Examples:
  # Check health
  dialogctl health

  # Check health on a different server
  dialogctl health --server http://localhost:8080`,
	RunE: runHealth,
}

var (
	searchBusinessID  string
	searchTopN        int
	searchSourceTypes []string
)

// searchCmd runs a knowledge search through the server
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a business knowledge base",
	Long: `Run a hybrid knowledge search through the dialogd server.

Examples:
  # Search a business knowledge base
  dialogctl search --business-id biz-42 "delivery terms"

  # Restrict to document sources, top 5 hits
  dialogctl search --business-id biz-42 --source-type document --top-n 5 "price list"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchBusinessID, "business-id", "", "business whose knowledge base to search (required)")
	searchCmd.Flags().IntVar(&searchTopN, "top-n", 0, "number of hits to return (0 = server default)")
	searchCmd.Flags().StringSliceVar(&searchSourceTypes, "source-type", nil, "restrict to source types (text, document, image)")
	_ = searchCmd.MarkFlagRequired("business-id")
}

// HealthResponse matches internal/http/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// SearchRequest matches internal/http/knowledge.go SearchRequest
type SearchRequest struct {
	Query       string   `json:"query"`
	SourceTypes []string `json:"source_types,omitempty"`
	TopN        int      `json:"top_n,omitempty"`
}

type searchHit struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	FusedScore float64 `json:"fused_score"`
	Preview    string  `json:"text_preview"`
	Source     *struct {
		Title string `json:"title"`
		Type  string `json:"type"`
	} `json:"db"`
}

type searchResponse struct {
	OK   bool        `json:"ok"`
	Hits []searchHit `json:"hits"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	reqBody := SearchRequest{
		Query:       args[0],
		SourceTypes: searchSourceTypes,
		TopN:        searchTopN,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/search?business_id=%s", serverURL, searchBusinessID)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(searchResp.Hits) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, hit := range searchResp.Hits {
		title := hit.ID
		if hit.Source != nil && hit.Source.Title != "" {
			title = hit.Source.Title
		}
		score := hit.FusedScore
		if score == 0 {
			score = hit.Score
		}
		fmt.Printf("%d. %s (score %.4f)\n", i+1, title, score)
		if hit.Preview != "" {
			fmt.Printf("   %s\n", hit.Preview)
		}
	}
	return nil
}
