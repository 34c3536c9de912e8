package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and adjust per-user spending",
}

var usageUser string

func init() {
	usageCmd.PersistentFlags().StringVarP(&usageUser, "user", "u", "local", "user account")

	usageCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show accumulated spend",
			RunE:  runUsageShow,
		},
		&cobra.Command{
			Use:   "set-limit <usd>",
			Short: "Set a custom spending limit, or 'default' to restore the global one",
			Args:  cobra.ExactArgs(1),
			RunE:  runUsageSetLimit,
		},
	)
	rootCmd.AddCommand(usageCmd)
}

func runUsageShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	spent, err := a.Usage.Spent(ctx, usageUser)
	if err != nil {
		return err
	}
	ok, err := a.Usage.CanSpend(ctx, usageUser)
	if err != nil {
		return err
	}

	fmt.Printf("user:  %s\nspent: $%.6f\n", usageUser, spent)
	if !ok {
		fmt.Println("state: limit reached, new turns are rejected")
	}
	return nil
}

func runUsageSetLimit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if args[0] == "default" {
		if err := a.Usage.SetLimit(ctx, usageUser, nil); err != nil {
			return err
		}
		fmt.Printf("limit for %s restored to default ($%.2f)\n", usageUser, a.Config.SpendLimit)
		return nil
	}

	limit, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid limit %q: %w", args[0], err)
	}
	if err := a.Usage.SetLimit(ctx, usageUser, &limit); err != nil {
		return err
	}
	fmt.Printf("limit for %s set to $%.2f\n", usageUser, limit)
	return nil
}
