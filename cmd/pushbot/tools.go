package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"pushbot/internal/app"
)

var (
	dryRun    bool
	outFormat string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair drift between subscriptions and producer-side channels",
	Long: `Loads the subscription document and the created-channel ledger, then calls
the producers for every channel that appears in one but not the other.

With --dry-run nothing is called or written; the planned changes are printed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath, app.WithoutRobots())
		if err != nil {
			return err
		}
		rep, err := a.Reconcile(cmd.Context(), dryRun)
		if dryRun || err != nil {
			a.Discard()
		} else {
			err = a.Stop(context.Background(), app.StopAppStop)
		}
		if err != nil {
			return err
		}
		return write(cmd.OutOrStdout(), rep)
	},
}

var subsCmd = &cobra.Command{
	Use:   "subs",
	Short: "Print the subscription document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath, app.WithoutRobots())
		if err != nil {
			return err
		}
		defer a.Discard()
		if err := a.Load(cmd.Context()); err != nil {
			return err
		}
		return write(cmd.OutOrStdout(), a.Subscriptions().Snapshot())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, subsCmd, versionCmd)
	reconcileCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the planned changes")
	for _, c := range []*cobra.Command{reconcileCmd, subsCmd} {
		c.Flags().StringVarP(&outFormat, "format", "f", "json", "output format: json or yaml")
	}
}

func write(w io.Writer, v any) error {
	switch strings.ToLower(outFormat) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q", outFormat)
	}
}
