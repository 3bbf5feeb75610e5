package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "pushbot",
	Short: "Channel subscription and push-notification bot",
	Long: `pushbot lets chats subscribe to channels (schedules, webhooks) and pushes
rendered notifications to every subscriber through Telegram or Discord robots.

Quick Start:
  pushbot run --config config.json       Start the bot
  pushbot reconcile --dry-run            Show producer drift without fixing it
  pushbot subs --format yaml             Dump the subscription document`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to the config file (json or yaml)")
}
