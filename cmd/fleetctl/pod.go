package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var podCmd = &cobra.Command{
	Use:     "pod",
	Short:   "Manage pods",
	GroupID: "pod",
}

var (
	createPodPackID    string
	createPodNodeID    string
	createPodNamespace string
)

var podCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an ad-hoc pod independent of any service",
	RunE: func(cmd *cobra.Command, args []string) error {
		var created pod
		req := createPodRequest{
			PackID:    createPodPackID,
			NodeID:    createPodNodeID,
			Namespace: createPodNamespace,
		}
		if err := client.do(cmd.Context(), http.MethodPost, "/v1/pods", req, &created); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(created)
			return nil
		}
		fmt.Printf("Created pod %s on node %s (status=%s)\n", created.ID, created.NodeID, created.Status)
		return nil
	},
}

var podGetCmd = &cobra.Command{
	Use:   "get <pod-id>",
	Short: "Show a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p pod
		if err := client.do(cmd.Context(), http.MethodGet, podPath(args[0], ""), nil, &p); err != nil {
			return err
		}
		printJSON(p)
		return nil
	},
}

var podStopCmd = &cobra.Command{
	Use:   "stop <pod-id>",
	Short: "Stop a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p pod
		if err := client.do(cmd.Context(), http.MethodPost, podPath(args[0], "stop"), nil, &p); err != nil {
			return err
		}
		fmt.Printf("Stopping %s (status=%s)\n", p.ID, p.Status)
		return nil
	},
}

var podDeleteCmd = &cobra.Command{
	Use:   "delete <pod-id>",
	Short: "Stop a pod and purge its record once it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p pod
		if err := client.do(cmd.Context(), http.MethodDelete, podPath(args[0], ""), nil, &p); err != nil {
			return err
		}
		if p.ID == "" {
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		}
		fmt.Printf("%s not yet terminal (status=%s); record left in place, retry delete once it settles\n", p.ID, p.Status)
		return nil
	},
}

func init() {
	podCreateCmd.Flags().StringVar(&createPodPackID, "pack-id", "", "pack ID to run (required)")
	podCreateCmd.Flags().StringVar(&createPodNodeID, "node-id", "", "pin to a specific node (default: least-loaded eligible node)")
	podCreateCmd.Flags().StringVar(&createPodNamespace, "namespace", "default", "pod namespace")

	podCmd.AddCommand(podCreateCmd)
	podCmd.AddCommand(podGetCmd)
	podCmd.AddCommand(podStopCmd)
	podCmd.AddCommand(podDeleteCmd)
}
