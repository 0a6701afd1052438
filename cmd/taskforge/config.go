package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}

	var force, interactive bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the project config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				return initConfigInteractive(g, force, cmd.OutOrStdout())
			}
			path, err := g.projectPath()
			if err != nil {
				return err
			}
			return writeConfig(config.DefaultConfig(), path, force, cmd.OutOrStdout())
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	initCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "ask for the main settings")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func initConfigInteractive(g *globalOptions, force bool, out io.Writer) error {
	cfg := config.DefaultConfig()
	s := newSettingsForm(cfg)
	if err := s.form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return err
	}
	if err := s.apply(cfg); err != nil {
		return err
	}
	path, err := s.savePath(g)
	if err != nil {
		return err
	}
	return writeConfig(cfg, path, force, out)
}

func writeConfig(cfg *config.Config, path string, force bool, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	printStatus(out, "✓", "Wrote "+path, color.FgGreen)
	return nil
}
