package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"assetsync/internal/app"
	"assetsync/internal/asset"
	"assetsync/internal/config"
	"assetsync/internal/encryption"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "update", "commit").
func newApp(operation string) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, operation, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults.ConfigPath, nil
}

// readPassword reads a secret from the terminal without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

// connection builds the server connection from the HOST PROJECT USER PASS
// arguments.
func connection(args []string) (app.Connection, error) {
	conn := app.Connection{Host: args[0], Project: args[1], User: args[2], Password: args[3]}
	if conn.Password == "-" {
		pw, err := readPassword(fmt.Sprintf("Password for %s@%s: ", conn.User, conn.Host))
		if err != nil {
			return conn, err
		}
		conn.Password = pw
	}
	return conn, nil
}

// reportStage turns a failed batch operation into the message printed to
// the user.
func reportStage(what string, err error) error {
	var se *app.StageError
	if errors.As(err, &se) {
		return fmt.Errorf("%s failed at %s: %w", what, se.Stage, se.Err)
	}
	return fmt.Errorf("%s failed: %w", what, err)
}

var rootCmd = &cobra.Command{
	Use:          "assetsync",
	Short:        "Synchronize a project's assets with an asset server",
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

		workspace, _ := cmd.Flags().GetString("workspace")
		if workspace == "" {
			workspace = defaults.Workspace
		}
		if workspace, err = filepath.Abs(workspace); err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults.BaseDir, workspace)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID:   %s\n", hostID)
		fmt.Printf("Base Dir:  %s\n", defaults.BaseDir)
		fmt.Printf("Workspace: %s\n", workspace)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Workspace:  %s\n", cfg.Workspace.Root)
		fmt.Printf("Cache:      %s\n", cfg.Cache.Type)
		fmt.Printf("Server:     %s %s/%s\n", cfg.Server.Type, cfg.Server.Host, cfg.Server.Project)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Merge:      %s\n", cfg.Merge.Type)
		return nil
	},
}

var configKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the age key pair used to encrypt stored blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := readPassword("New key passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}
		if err := encryption.NewAgeEncryptor(cfg.Encryption).Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		fmt.Println("Set encryption.type = \"age\" to start encrypting.")
		return nil
	},
}

// update command
var updateCmd = &cobra.Command{
	Use:   "update HOST[:PORT] PROJECT USER PASS [r REVISION]",
	Short: "Pull server changes into the workspace",
	Args: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 4:
			return nil
		case 6:
			if args[4] != "r" {
				return fmt.Errorf("expected \"r REVISION\", got %q", strings.Join(args[4:], " "))
			}
			if _, err := strconv.Atoi(args[5]); err != nil {
				return fmt.Errorf("invalid revision %q", args[5])
			}
			return nil
		default:
			return fmt.Errorf("accepts 4 or 6 arg(s), received %d", len(args))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		resolve, _ := cmd.Flags().GetString("resolve")
		deleteLocal, _ := cmd.Flags().GetBool("delete-local")
		paths, _ := cmd.Flags().GetStringSlice("path")

		resolution, err := asset.ParseDownloadResolution(resolve)
		if err != nil {
			return err
		}
		revision := -1
		if len(args) == 6 {
			revision, _ = strconv.Atoi(args[5])
		}
		conn, err := connection(args)
		if err != nil {
			return err
		}

		a, err := newApp("update")
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Update(cmd.Context(), app.UpdateRequest{
			Connection:  conn,
			Paths:       paths,
			Revision:    revision,
			Resolution:  resolution,
			DeleteLocal: deleteLocal,
		})
		if err != nil {
			return reportStage("update", err)
		}
		fmt.Println("Update complete.")
		return nil
	},
}

// commit command
var commitCmd = &cobra.Command{
	Use:   "commit [PATH...]",
	Short: "Push local changes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		if message == "" {
			return errors.New("a commit message is required (-m)")
		}

		a, err := newApp("commit")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Commit(cmd.Context(), app.CommitRequest{Message: message, Paths: args})
		if errors.Is(err, asset.ErrNothingToDo) {
			fmt.Println("Nothing to commit.")
			return nil
		}
		if err != nil {
			return reportStage("commit", err)
		}
		fmt.Printf("Committed changeset %d\n", n)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [PATH...]",
	Short: "Show the sync status of assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		a, err := newApp("status")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Status(cmd.Context(), app.Connection{}, args)
		if err != nil {
			return reportStage("status", err)
		}

		shown := 0
		for _, e := range entries {
			if e.Status.Overall == asset.Unchanged && !all {
				continue
			}
			fmt.Printf("%-22s %s\n", e.Status.Overall, e.Path)
			shown++
		}
		if shown == 0 {
			fmt.Println("Everything up to date.")
		}
		return nil
	},
}

// revert command
var revertCmd = &cobra.Command{
	Use:   "revert PATH CHANGESET",
	Short: "Replace a working file with an earlier version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid changeset %q", args[1])
		}

		a, err := newApp("revert")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Revert(cmd.Context(), app.Connection{}, args[0], cs); err != nil {
			return reportStage("revert", err)
		}
		fmt.Printf("Reverted %s to changeset %d. Commit to publish the revert.\n", args[0], cs)
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover ID CHANGESET NAME [PARENT_PATH]",
	Short: "Bring back a deleted asset",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid changeset %q", args[1])
		}
		parent := ""
		if len(args) == 4 {
			parent = args[3]
		}

		a, err := newApp("recover")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Recover(cmd.Context(), app.Connection{}, args[0], cs, args[2], parent); err != nil {
			return reportStage("recover", err)
		}
		fmt.Printf("Recovered %s as %s\n", args[0], filepath.Join(parent, args[2]))
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View changeset history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := newApp("log")
		if err != nil {
			return err
		}
		defer a.Close()

		history, err := a.History(cmd.Context(), app.Connection{}, limit)
		if err != nil {
			return reportStage("log", err)
		}
		if len(history) == 0 {
			fmt.Println("No changesets on the server.")
			return nil
		}

		for _, cs := range history {
			fmt.Printf("#%d  %s  %-12s  %s\n",
				cs.Number,
				cs.Date.Local().Format(time.DateTime),
				cs.User,
				cs.Description,
			)
			if !verbose {
				continue
			}
			for _, it := range cs.Items {
				switch {
				case it.IsDeleted():
					fmt.Printf("    D %s  %s\n", it.ID, it.Name)
				case it.IsDir():
					fmt.Printf("    / %s  %s\n", it.ID, it.Name)
				default:
					fmt.Printf("    M %s  %s\n", it.ID, it.Name)
				}
			}
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Import workspace changes as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("watch")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("Watching for changes, press Ctrl-C to stop.")
		return a.Watch(cmd.Context())
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringP("workspace", "w", "", "Workspace root (default: $ASSETSYNC_WORKSPACE or the current directory)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeygenCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().String("resolve", "skip", "Conflict policy: skip, local, server or merge")
	updateCmd.Flags().Bool("delete-local", false, "Delete local directories the server deleted even when they hold uncommitted files")
	updateCmd.Flags().StringSlice("path", nil, "Limit the update to these workspace paths")
	rootCmd.AddCommand(commitCmd)
	commitCmd.Flags().StringP("message", "m", "", "Changeset description")
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("all", "a", false, "Also list unchanged assets")
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntP("limit", "n", 20, "Maximum number of changesets to show")
	logCmd.Flags().BoolP("verbose", "v", false, "List the items of each changeset")
	rootCmd.AddCommand(watchCmd)
}
