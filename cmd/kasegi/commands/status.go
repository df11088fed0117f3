package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	Long:  `Display the fleet summary from a running orchestrator's status API.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8080", "status API URL")
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "refresh continuously")
	statusCmd.Flags().Duration("interval", 5*time.Second, "watch interval")
}

// fleetStatus mirrors the status API response.
type fleetStatus struct {
	Devices       int    `json:"devices"`
	Healthy       int    `json:"healthy"`
	TotalHashrate string `json:"total_hashrate"`
	TotalValue    string `json:"total_net_value_per_day"`
	Uptime        string `json:"uptime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		for {
			fmt.Print("\033[H\033[2J")
			if err := displayStatus(apiURL, format); err != nil {
				return err
			}
			time.Sleep(interval)
		}
	}
	return displayStatus(apiURL, format)
}

func displayStatus(apiURL, format string) error {
	status, err := fetchJSON[fleetStatus](apiURL + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(status)
	default:
		fmt.Printf("Devices:   %d (%d healthy)\n", status.Devices, status.Healthy)
		fmt.Printf("Hashrate:  %s\n", status.TotalHashrate)
		fmt.Printf("Est. value: $%s/day\n", status.TotalValue)
		fmt.Printf("Uptime:    %s\n", status.Uptime)
		return nil
	}
}

func fetchJSON[T any](url string) (*T, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
