// Command credvault is a terminal client for an encrypted credential vault.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/badgerstore"
	"github.com/absfs/credvault/internal/logging"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagDataDir string
	flagVerbose bool
	flagDebug   bool

	cfg    *cliConfig
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "credvault",
	Short: "credvault - an end-to-end encrypted credential vault",
	Long: `credvault stores account credentials encrypted under a master key that
never leaves your devices in the clear.

The master key is wrapped under your password. Each record is encrypted
separately. Another device or account can be given access with
"credvault share", which hands the key over a direct encrypted connection
after verifying the receiver.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New(logging.Options{Verbose: flagVerbose, Debug: flagDebug})

		path := flagConfig
		if path == "" {
			var err error
			if path, err = defaultConfigPath(); err != nil {
				return err
			}
		}
		var err error
		if cfg, err = loadConfig(path); err != nil {
			return err
		}
		if flagDataDir != "" {
			cfg.DataDir = flagDataDir
		}
		logger.Debug("configuration loaded", "path", path, "data_dir", cfg.DataDir)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $XDG_CONFIG_HOME/credvault/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "vault data directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, failMsg("%v", err))
		stop()
		memguard.SafeExit(1)
	}
	memguard.Purge()
}

func vaultConfig() *credvault.Config {
	c := credvault.DefaultConfig()
	c.Version = credvault.FormatVersion(cfg.Format)
	c.Logger = logger
	return c
}

// openStore opens the badger database under the data directory
func openStore() (*badgerstore.Store, error) {
	return badgerstore.Open(badgerstore.Config{
		Path:   filepath.Join(cfg.DataDir, "db"),
		Logger: logger,
	})
}

// openVault opens the store and wraps it in a locked vault
func openVault() (*credvault.Vault, *badgerstore.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	v, err := credvault.New(store, vaultConfig())
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return v, store, nil
}

// unlockVault opens the vault and unlocks it with a prompted password
func unlockVault(ctx context.Context) (*credvault.Vault, *badgerstore.Store, error) {
	v, store, err := openVault()
	if err != nil {
		return nil, nil, err
	}
	pw, err := readPassword("Master password: ")
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	defer memguard.WipeBytes(pw)

	if err := v.Unlock(ctx, pw); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return v, store, nil
}
