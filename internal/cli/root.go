package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hellopyusd/internal/config"
)

var (
	cfg     *config.AppConfig
	logger  zerolog.Logger
	flags   rootFlags
	version = "dev"
)

type rootFlags struct {
	dev      bool
	envFile  string
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "hellopyusd",
	Short: "Mint Hello PYUSD NFTs with PYUSD",
	Long: `hellopyusd walks an account through approving PYUSD and minting a
Hello PYUSD NFT, one action at a time.

Run it against a JSON-RPC node with CHAIN_PRIVATE_KEY set, or with --dev
against an in-memory chain.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		level, err := zerolog.ParseLevel(flags.logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", flags.logLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().
			Timestamp().
			Logger()

		var envFiles []string
		if flags.envFile != "" {
			envFiles = append(envFiles, flags.envFile)
		}
		cfg, err = config.Load(envFiles...)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hellopyusd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flags.dev, "dev", false, "use an in-memory chain with a funded account")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "path to a .env file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(versionCmd)
}

func SetVersion(v string) {
	version = v
}

func Execute() error {
	return rootCmd.Execute()
}

func Root() *cobra.Command {
	return rootCmd
}
