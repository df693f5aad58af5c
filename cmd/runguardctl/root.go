package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is injected via ldflags at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "runguardctl",
		Short:         "Operator tooling for the runguard governance service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr at debug level")

	logger := func() *zap.Logger {
		if !verbose {
			return zap.NewNop()
		}
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		l, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}

	root.AddCommand(
		newSignCmd(),
		newVerifyCmd(),
		newRulesCmd(),
		newToolsCmd(),
		newMigrateCmd(logger),
		newClientsCmd(logger),
	)
	return root
}
