package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/kasegi/internal/device"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices and their assignments",
	Long:  `Display per-device status from a running orchestrator's status API.`,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().String("api-url", "http://localhost:8080", "status API URL")
	devicesCmd.Flags().String("format", "table", "output format (table, json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")

	reports, err := fetchJSON[[]device.Report](apiURL + "/api/v1/devices")
	if err != nil {
		return fmt.Errorf("failed to fetch devices: %w", err)
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDX\tMODEL\tHEALTH\tCOIN\tWORKER\tHASHRATE\tVALUE/DAY\tNOTICES")
	for _, r := range *reports {
		value := "-"
		if r.NetValuePerDay != "" {
			value = "$" + r.NetValuePerDay
		}
		notices := ""
		if len(r.Notices) > 0 {
			notices = r.Notices[len(r.Notices)-1]
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Index, r.Model, r.Health,
			orDash(r.Coin), orDash(r.WorkerKind),
			humanize.SIWithDigits(r.Hashrate, 2, "H/s"),
			value, notices,
		)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
