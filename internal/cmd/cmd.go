// Package cmd wires the minerhive command tree: the monitor daemon and the
// one-shot eval command share the root command's configuration.
package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/clambin/go-common/charmer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minerhive/minerhive/internal/cmd/eval"
	"github.com/minerhive/minerhive/internal/cmd/monitor"
)

var (
	configFilename string
	RootCmd        = cobra.Command{
		Use:   "minerhive",
		Short: "Price-aware monitoring & control for home-lab crypto miners",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			charmer.SetJSONLogger(cmd, viper.GetBool("debug"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	RootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")
	_ = viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))

	RootCmd.AddCommand(&monitor.Cmd, &eval.Cmd)
}

var args = charmer.Arguments{
	"debug":               charmer.Argument{Default: false, Help: "Log debug messages"},
	"db.url":              charmer.Argument{Default: "", Help: "PostgreSQL connection string"},
	"agile.product":       charmer.Argument{Default: "", Help: "Octopus Agile product code (empty: current product)"},
	"agile.region":        charmer.Argument{Default: "H", Help: "DNO region letter (A-P)"},
	"agile.interval":      charmer.Argument{Default: 30 * time.Minute, Help: "Price refresh interval"},
	"poller.interval":     charmer.Argument{Default: 30 * time.Second, Help: "Telemetry poll interval"},
	"strategy.interval":   charmer.Argument{Default: 15 * time.Minute, Help: "Strategy evaluation interval"},
	"strategy.dwell":      charmer.Argument{Default: time.Hour, Help: "Minimum dwell time between mode reductions"},
	"rules.interval":      charmer.Argument{Default: time.Minute, Help: "Rule evaluation interval"},
	"telemetry.retention": charmer.Argument{Default: 90 * 24 * time.Hour, Help: "How long to keep telemetry"},
	"exporter.addr":       charmer.Argument{Default: ":9090", Help: "Address of Prometheus exporter"},
	"health.addr":         charmer.Argument{Default: ":8080", Help: "Address of /health endpoint"},
	"slack.token":         charmer.Argument{Default: "", Help: "Slack token"},
}

func initConfig() {
	if configFilename != "" {
		viper.SetConfigFile(configFilename)
	} else {
		viper.AddConfigPath("/etc/minerhive/")
		viper.AddConfigPath("$HOME/.minerhive")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}

	if err := charmer.SetDefaults(viper.GetViper(), args); err != nil {
		panic("failed to set viper defaults: " + err.Error())
	}

	viper.SetEnvPrefix("MINERHIVE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("failed to read config file", "err", err)
		os.Exit(1)
	}
}
