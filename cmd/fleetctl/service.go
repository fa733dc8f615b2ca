package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:     "service",
	Short:   "Manage services",
	GroupID: "service",
}

var (
	createName         string
	createNamespace    string
	createPackID       string
	createPackVersion  string
	createFollowLatest bool
	createReplicas     int
	createVisibility   string
)

var serviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a service",
	RunE: func(cmd *cobra.Command, args []string) error {
		var created service
		req := createServiceRequest{
			Name:         createName,
			Namespace:    createNamespace,
			PackID:       createPackID,
			PackVersion:  createPackVersion,
			FollowLatest: createFollowLatest,
			Replicas:     createReplicas,
			Visibility:   createVisibility,
		}
		if err := client.do(cmd.Context(), http.MethodPost, "/v1/services", req, &created); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(created)
			return nil
		}
		fmt.Printf("Created service %s (%s/%s)\n", created.ID, created.Namespace, created.Name)
		return nil
	},
}

var serviceListNamespace string

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services",
	RunE: func(cmd *cobra.Command, args []string) error {
		var services []service
		path := "/v1/services"
		if serviceListNamespace != "" {
			path += "?namespace=" + serviceListNamespace
		}
		if err := client.do(cmd.Context(), http.MethodGet, path, nil, &services); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(services)
			return nil
		}
		if len(services) == 0 {
			fmt.Println("No services found.")
			return nil
		}
		for _, s := range services {
			fmt.Printf("%s  %s/%s  replicas=%d/%d  status=%s  pack=%s\n",
				s.ID, s.Namespace, s.Name, s.ReadyReplicas, s.Replicas, s.Status, s.PackVersion)
		}
		return nil
	},
}

var serviceGetCmd = &cobra.Command{
	Use:   "get <service-id>",
	Short: "Show a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s service
		if err := client.do(cmd.Context(), http.MethodGet, servicePath(args[0], ""), nil, &s); err != nil {
			return err
		}
		printJSON(s)
		return nil
	},
}

var scaleReplicas int

var serviceScaleCmd = &cobra.Command{
	Use:   "scale <service-id>",
	Short: "Change a service's replica count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s service
		if err := client.do(cmd.Context(), http.MethodPost, servicePath(args[0], "scale"), scaleRequest{Replicas: scaleReplicas}, &s); err != nil {
			return err
		}
		fmt.Printf("Scaled %s to %d replicas\n", s.ID, s.Replicas)
		return nil
	},
}

var servicePauseCmd = &cobra.Command{
	Use:   "pause <service-id>",
	Short: "Pause a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s service
		if err := client.do(cmd.Context(), http.MethodPost, servicePath(args[0], "pause"), nil, &s); err != nil {
			return err
		}
		fmt.Printf("Paused %s\n", s.ID)
		return nil
	},
}

var serviceResumeCmd = &cobra.Command{
	Use:   "resume <service-id>",
	Short: "Resume a paused service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s service
		if err := client.do(cmd.Context(), http.MethodPost, servicePath(args[0], "resume"), nil, &s); err != nil {
			return err
		}
		fmt.Printf("Resumed %s\n", s.ID)
		return nil
	},
}

var rollbackPackVersion string

var serviceRollbackCmd = &cobra.Command{
	Use:   "rollback <service-id>",
	Short: "Pin a service to an explicit pack version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackPackVersion == "" {
			return fmt.Errorf("--pack-version is required")
		}
		var s service
		if err := client.do(cmd.Context(), http.MethodPost, servicePath(args[0], "rollback"), rollbackRequest{PackVersion: rollbackPackVersion}, &s); err != nil {
			return err
		}
		fmt.Printf("Rolled %s back to pack version %s\n", s.ID, s.PackVersion)
		return nil
	},
}

var setVisibilityValue string

var serviceSetVisibilityCmd = &cobra.Command{
	Use:   "set-visibility <service-id>",
	Short: "Change a service's visibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s service
		if err := client.do(cmd.Context(), http.MethodPost, servicePath(args[0], "visibility"), visibilityRequest{Visibility: setVisibilityValue}, &s); err != nil {
			return err
		}
		fmt.Printf("Set %s visibility to %s\n", s.ID, s.Visibility)
		return nil
	},
}

var servicePodsCmd = &cobra.Command{
	Use:   "pods <service-id>",
	Short: "List a service's pods",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pods []pod
		if err := client.do(cmd.Context(), http.MethodGet, servicePath(args[0], "pods"), nil, &pods); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(pods)
			return nil
		}
		if len(pods) == 0 {
			fmt.Println("No pods found.")
			return nil
		}
		for _, p := range pods {
			fmt.Printf("%s  node=%s  status=%s  incarnation=%d\n", p.ID, p.NodeID, p.Status, p.Incarnation)
		}
		return nil
	},
}

func init() {
	serviceCreateCmd.Flags().StringVar(&createName, "name", "", "service name (required)")
	serviceCreateCmd.Flags().StringVar(&createNamespace, "namespace", "default", "service namespace")
	serviceCreateCmd.Flags().StringVar(&createPackID, "pack-id", "", "pack ID (required)")
	serviceCreateCmd.Flags().StringVar(&createPackVersion, "pack-version", "", "pinned pack version (ignored if --follow-latest)")
	serviceCreateCmd.Flags().BoolVar(&createFollowLatest, "follow-latest", false, "track the pack's latest version")
	serviceCreateCmd.Flags().IntVar(&createReplicas, "replicas", 0, "replica count (0 = DaemonSet mode)")
	serviceCreateCmd.Flags().StringVar(&createVisibility, "visibility", "private", "public, private, or system")
	_ = serviceCreateCmd.MarkFlagRequired("name")
	_ = serviceCreateCmd.MarkFlagRequired("pack-id")

	serviceListCmd.Flags().StringVar(&serviceListNamespace, "namespace", "", "filter by namespace")

	serviceScaleCmd.Flags().IntVar(&scaleReplicas, "replicas", 0, "new replica count")
	_ = serviceScaleCmd.MarkFlagRequired("replicas")

	serviceRollbackCmd.Flags().StringVar(&rollbackPackVersion, "pack-version", "", "pack version to roll back to (required)")

	serviceSetVisibilityCmd.Flags().StringVar(&setVisibilityValue, "visibility", "", "public, private, or system (required)")
	_ = serviceSetVisibilityCmd.MarkFlagRequired("visibility")

	serviceCmd.AddCommand(serviceCreateCmd)
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceGetCmd)
	serviceCmd.AddCommand(serviceScaleCmd)
	serviceCmd.AddCommand(servicePauseCmd)
	serviceCmd.AddCommand(serviceResumeCmd)
	serviceCmd.AddCommand(serviceRollbackCmd)
	serviceCmd.AddCommand(serviceSetVisibilityCmd)
	serviceCmd.AddCommand(servicePodsCmd)
}
