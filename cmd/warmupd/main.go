package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunshow/warmupd/internal/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var v = viper.New()

func rootCmd() *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:   "warmupd",
		Short: "Account warmup phase orchestrator",
		Long: `warmupd drives accounts through the staged warmup sequence: it picks
ready accounts, assigns content, runs each phase on the device actuator and
schedules the next one after a randomized cooldown.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			return config.Init(v, cfgFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./warmupd.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("addr", "", "warmupd gRPC address for operator commands (default grpc.addr)")
	_ = v.BindPFlag("grpc.addr", cmd.PersistentFlags().Lookup("addr"))

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(groupsCmd())
	cmd.AddCommand(readyCmd())
	cmd.AddCommand(advanceCmd())
	cmd.AddCommand(requeueCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(transitionCmd())
	cmd.AddCommand(assignCmd())
	cmd.AddCommand(pauseCmd())
	cmd.AddCommand(eventsCmd())

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(1)
	}
}
