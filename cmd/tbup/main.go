package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"tbup-go/internal/app"
	"tbup-go/internal/config"
	"tbup-go/internal/credentials"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a TbupApp. The caller must defer app.Close().
func newApp(opts app.Options) (*app.TbupApp, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}

	secrets, err := credentials.NewStoreFromConfig(cfg, path, credentials.TerminalPassphrase(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("opening credentials: %w", err)
	}

	a, err := app.NewTbupApp(cfg, secrets, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "tbup",
	Short:        "Resumable directory uploader for TeraBox and S3",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Println("Add an account with: tbup account add NAME")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Remote:          %s\n", cfg.Remote.Type)
		if cfg.Remote.Type == "s3" {
			fmt.Printf("Bucket:          %s/%s\n", cfg.Remote.S3Bucket, cfg.Remote.S3Prefix)
		}
		if cfg.Remote.IdleTimeout.Duration > 0 {
			fmt.Printf("Idle Timeout:    %s\n", cfg.Remote.IdleTimeout.Duration)
		}
		fmt.Printf("Credentials:     %s %s\n", cfg.Credentials.Type, cfg.Credentials.Path)
		fmt.Printf("Journal:         %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Default Account: %s\n", cfg.DefaultAccount)
		return nil
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Store the secret of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		secrets, err := credentials.NewStoreFromConfig(cfg, path, credentials.TerminalPassphrase(os.Stderr))
		if err != nil {
			return fmt.Errorf("opening credentials: %w", err)
		}

		prompt := "ndus cookie: "
		if cfg.Remote.Type == "s3" {
			prompt = "ACCESS_KEY_ID:SECRET_ACCESS_KEY (empty for the default AWS chain): "
		}
		secret, err := credentials.ReadSecret(os.Stderr, os.Stdin, prompt)
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		if secret == "" && cfg.Remote.Type == "terabox" {
			return fmt.Errorf("empty cookie")
		}

		name := args[0]
		if err := secrets.Put(name, secret); err != nil {
			return err
		}
		if cfg.DefaultAccount == "" {
			cfg.DefaultAccount = name
			if err := config.Save(path, cfg); err != nil {
				return err
			}
		}
		fmt.Printf("Account %s saved\n", name)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		secrets, err := credentials.NewStoreFromConfig(cfg, path, credentials.TerminalPassphrase(os.Stderr))
		if err != nil {
			return fmt.Errorf("opening credentials: %w", err)
		}

		names, err := secrets.Names()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No accounts configured.")
			return nil
		}
		slices.Sort(names)
		for _, n := range names {
			marker := " "
			if n == cfg.DefaultAccount {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, n)
		}
		return nil
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a local directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		local, _ := cmd.Flags().GetString("local")
		remote, _ := cmd.Flags().GetString("remote")
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := newApp(app.Options{Console: os.Stderr, Verbose: verbose})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := a.Upload(ctx, account, local, remote)
		// The journal snapshot upload must not be cut short by the signal.
		if cerr := a.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
		if summary != nil {
			renderSummary(os.Stdout, summary)
		}
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d file(s) failed, run again to resume", summary.Failed)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [DIR]",
	Short: "View unfinished uploads",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		target := "."
		if len(args) > 0 {
			target = args[0]
		}

		pending, err := a.GetStatus(target)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No unfinished uploads.")
			return nil
		}
		renderPending(os.Stdout, pending)
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log FILENAME",
	Short: "View file upload history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		events, err := a.GetFileLog(args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No upload history.")
			return nil
		}
		renderFileLog(os.Stdout, events)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View upload run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		runs, err := a.GetHistory(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No upload runs recorded.")
			return nil
		}
		renderRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringP("account", "a", "", "Account name (default: configured default account)")
	uploadCmd.Flags().StringP("local", "l", ".", "Local directory to upload")
	uploadCmd.Flags().StringP("remote", "r", "", "Remote directory (default: /<local dir name>)")
	uploadCmd.Flags().BoolP("verbose", "v", false, "Log debug records to the console")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
}
