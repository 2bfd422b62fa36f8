package standard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselvm/vessel/internal/cli/client"
)

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vesselctl",
		Short: "Vessel command-line interface",
		Long:  "Vessel CLI inspects the guest monitor daemon: lifecycle state, interrupt bindings, and the live event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("VESSEL_API_BASE", "http://127.0.0.1:7771"), "vesseld base URL")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newIRQsCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Vessel client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Vessel CLI (prototype)\n")
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guest lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := api.GetGuest(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-18s %s\n", "STATE", "ENTRY", "FAULTS")
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-18s %d\n", status.State, orDash(status.Entry), status.Faults)
			return nil
		},
	}
}

func newIRQsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "irqs",
		Short: "List interrupt source bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			bindings, err := api.ListIRQs(ctx)
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No interrupt bindings")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", "CHANNEL", "VIRQ")
			for _, b := range bindings {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10d %d\n", b.Channel, b.IRQ)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream guest lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = api.WatchEvents(cmd.Context(), func(event client.GuestEvent) {
				_ = enc.Encode(event)
			})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	base, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, err
	}
	return client.New(base)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
