// Command vault is the user-facing CLI for tracking files: marking them to
// keep or archive, stashing, untracking, recovering soft-deleted files and
// listing a branch's contents.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/config"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		verbose     bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "vault",
		Short:         "Track file lifecycle states through hardlinks into a hidden store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "vault %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: XDG location)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	for _, b := range []vault.Branch{vault.Keep, vault.Archive, vault.Stash} {
		rootCmd.AddCommand(addCommand(b, &configPath))
	}
	rootCmd.AddCommand(untrackCommand(&configPath))
	rootCmd.AddCommand(recoverCommand(&configPath))
	rootCmd.AddCommand(listCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("vault failed", "error", err)
		return 1
	}
	return 0
}

// openVault builds the vault owning path, with identity wired from config.
func openVault(configPath, path string) (*vault.Vault, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	owners, err := cfg.Identity.OwnerMap()
	if err != nil {
		return nil, err
	}
	actor, err := identity.CurrentActor()
	if err != nil {
		return nil, err
	}
	return vault.New(path, vault.Options{
		Resolver: identity.NewPasswdResolver(cfg.Identity.EmailDomain, owners),
		Actor:    actor,
	})
}

func addCommand(b vault.Branch, configPath *string) *cobra.Command {
	short := map[vault.Branch]string{
		vault.Keep:    "Mark files to be retained indefinitely",
		vault.Archive: "Mark files for archival; the source is removed once staged",
		vault.Stash:   "Mark files for archival while retaining the source",
	}
	return &cobra.Command{
		Use:   fmt.Sprintf("%s <file>...", b),
		Short: short[b],
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachFile(args, *configPath, func(v *vault.Vault, path string) error {
				f, err := v.Add(b, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s\t%s\n", b, f.Source())
				return nil
			})
		},
	}
}

func untrackCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "untrack <file>...",
		Short: "Remove files from vault tracking",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachFile(args, *configPath, func(v *vault.Vault, path string) error {
				return v.Remove(vault.Keep, path)
			})
		},
	}
}

func recoverCommand(configPath *string) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "recover [<file>...]",
		Short: "Restore soft-deleted files from limbo to their original paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give files to recover, or --all")
			}

			v, err := openVault(*configPath, ".")
			if err != nil {
				return err
			}
			defer v.Close()

			rels := make([]string, 0, len(args))
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(v.Root(), abs)
				if err != nil {
					return err
				}
				rels = append(rels, rel)
			}
			if all {
				rels = nil
			}
			return v.Recover(rels)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recover everything in limbo")
	return cmd
}

func listCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <branch>",
		Short: "List the tracked files in a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, ok := vault.ParseBranch(args[0])
			if !ok {
				return fmt.Errorf("unknown branch %q", args[0])
			}

			v, err := openVault(*configPath, ".")
			if err != nil {
				return err
			}
			defer v.Close()

			return v.List(b, func(source, _ string) error {
				_, err := fmt.Fprintln(os.Stdout, source)
				return err
			})
		},
	}
}

// eachFile opens each path's vault and applies fn, reporting per-file
// failures but continuing; the first failure shows in the exit status.
func eachFile(paths []string, configPath string, fn func(*vault.Vault, string) error) error {
	var firstErr error
	for _, path := range paths {
		v, err := openVault(configPath, path)
		if err == nil {
			err = fn(v, path)
			v.Close()
		}
		if err != nil {
			slog.Error("operation failed", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
