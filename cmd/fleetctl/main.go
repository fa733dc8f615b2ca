// Command fleetctl is the fleetforge control plane's operator CLI — it
// creates and scales services, rolls back packs, and stops pods. All data
// access goes through the control plane's HTTP API via apiClient; fleetctl
// holds no direct connection to the record store or the node agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	httpURL    string
	jsonOutput bool

	client *apiClient
)

func defaultHTTPURL() string {
	if s := os.Getenv("FLEETFORGE_API_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl <command>",
	Short: "fleetforge control plane CLI",
	Long: `fleetctl manages services, pods, and rollouts on a fleetforge control plane.

It is a client of the control plane's HTTP API: all data access goes
through the same /v1/services and /v1/pods surface the dashboard polls.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		client = newAPIClient(httpURL)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "api-url", defaultHTTPURL(), "control plane API URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	cobra.EnableCommandSorting = false

	rootCmd.AddGroup(
		&cobra.Group{ID: "service", Title: "Services:"},
		&cobra.Group{ID: "pod", Title: "Pods:"},
	)

	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(podCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
