package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowdllama/llamadesk/internal/config"
	"github.com/crowdllama/llamadesk/internal/flags"
	"github.com/crowdllama/llamadesk/internal/paths"
	"github.com/crowdllama/llamadesk/internal/presentation"
)

var configShowCmd = &cobra.Command{
	Use:   "config:show",
	Short: "Print the effective configuration as JSON",
	Long: `Print the configuration after merging defaults, the config file and
LLAMADESK_* environment variables. Durations are shown as they are written
in the file ("5s").

Examples:
  llamadesk config:show
  llamadesk config:show | jq '.ipc.socket_path'`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		formatter := presentation.NewFormatter(cmd.OutOrStdout())
		return formatter.FormatConfig(presentation.FromConfig(cfgPath, cfg))
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "config:validate",
	Short: "Check the configuration and report every problem",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadedConfig(); err != nil {
			return err
		}
		for _, name := range flags.Unknown(cfg.Flags) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: unknown flag %q is ignored\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", displayPath(cfgPath))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "config:init [path]",
	Short: "Write the default configuration file",
	Long: `Write the commented default configuration. Without a path the file goes
to ~/.config/llamadesk/config.yaml. An existing file is kept unless --force
is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := paths.UserConfigFile()
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if fileExists(path) && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the llamadesk version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "llamadesk %s\n", version)
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	rootCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd, versionCmd)
}

func displayPath(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return paths.Shorten(path)
}
