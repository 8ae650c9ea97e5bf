package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/chainforge/internal/config"
	"github.com/kingrea/chainforge/internal/logging"
)

type rootOptions struct {
	projectDir string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chainforge",
		Short:         "Run dependency-ordered generation chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.projectDir, "dir", "C", "", "project directory (defaults to the working directory)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "mirror log records to stderr")

	root.AddCommand(
		newInitCmd(opts),
		newPlanCmd(),
		newValidateCmd(),
		newRunCmd(opts),
		newServeCmd(opts),
		newLogsCmd(opts),
	)
	return root
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .chainforge directory with a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.resolveDir()
			if err != nil {
				return err
			}
			if err := config.InitDir(dir); err != nil {
				return fmt.Errorf("init %s: %w", dir, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("initialized "+filepath.Join(dir, config.ProjectDirName)))
			return nil
		},
	}
}

func (o *rootOptions) resolveDir() (string, error) {
	if o.projectDir != "" {
		return filepath.Abs(o.projectDir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return cwd, nil
}

// load reads the project config and opens the project log.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	dir, err := o.resolveDir()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger, err := logging.New(dir, level, o.verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
