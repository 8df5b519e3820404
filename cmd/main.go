package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ochronus/pan123/internal/app"
	"github.com/ochronus/pan123/internal/config"
	"github.com/ochronus/pan123/internal/mockserver"
	"github.com/ochronus/pan123/internal/utils"
)

const version = "0.1.0"

var configPath string

func main() {
	// Get default config path
	defaultConfigPath, err := config.DefaultConfigPath()
	if err != nil {
		defaultConfigPath = "./config.toml"
	}

	// Root command
	rootCmd := &cobra.Command{
		Use:           "pan123",
		Short:         "123pan open platform client",
		Long:          "Command line client for the 123pan open platform: uploads, folders, offline downloads and a local mock API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")

	// Generate-config command
	var clientID, clientSecret string
	generateConfigCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := utils.Credentials{ClientID: clientID, ClientSecret: clientSecret}
			if creds.ClientID == "" || creds.ClientSecret == "" {
				var err error
				creds, err = utils.PromptCredentials(cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
			}
			return utils.GenerateConfig(configPath, creds, cmd.OutOrStdout())
		},
	}
	generateConfigCmd.Flags().StringVar(&clientID, "client-id", "", "Client ID (prompted when empty)")
	generateConfigCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Client secret (prompted when empty)")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pan123 version %s\n", version)
		},
	}

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newMkdirCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newOfflineCmd())
	rootCmd.AddCommand(newMockServerCmd())
	rootCmd.AddCommand(generateConfigCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file, tolerating its absence when credentials
// come from the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func newContainer(opts ...app.Option) (*app.Container, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	container, err := app.NewContainer(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build container: %w", err)
	}
	return container, nil
}

func newMockServerCmd() *cobra.Command {
	var port, pendingPolls int
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local in-memory 123pan API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Mock.Port = port
			}
			if cmd.Flags().Changed("pending-polls") {
				cfg.Mock.PendingPolls = pendingPolls
			}
			if err := cfg.ValidateMock(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := app.BuildLogger(cfg.Loglevel)
			logger.Infof("Starting pan123 mock server, version %s", version)
			if cfg.ClientID == "" {
				logger.Warn("No client_id configured, any credentials will be accepted")
			}

			srv := mockserver.New(mockserver.Config{
				BindAddress:  cfg.Mock.BindAddress,
				Port:         cfg.Mock.Port,
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				SliceSize:    cfg.Mock.SliceSize,
				PendingPolls: cfg.Mock.PendingPolls,
			}, logger)
			return srv.StartWithContext(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides config)")
	cmd.Flags().IntVar(&pendingPolls, "pending-polls", 0, "Completion polls answered with 'not yet' per upload")
	return cmd
}
