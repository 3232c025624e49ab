package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/badgerstore"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	addNotes    string
	addGame     string
	addRank     string
	listReveal  bool
	listShared  string
	listFrom    string
	rotateDry   bool
	initWriteCf bool
)

func init() {
	initCmd.Flags().BoolVar(&initWriteCf, "write-config", false, "write the effective configuration to the config file")

	addCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	addCmd.Flags().StringVar(&addGame, "game", "", "game the account belongs to")
	addCmd.Flags().StringVar(&addRank, "rank", "", "rank in the game")

	listCmd.Flags().BoolVar(&listReveal, "reveal", false, "print passwords in clear text")
	listCmd.Flags().StringVar(&listShared, "shared", "", "also list the vault received under this label")
	listCmd.Flags().StringVar(&listFrom, "from", "", "data directory holding the shared vault's records")

	rotateCmd.Flags().BoolVar(&rotateDry, "dry-run", false, "decode every record without writing anything")

	rootCmd.AddCommand(initCmd, addCmd, listCmd, removeCmd, passwdCmd, rotateCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault protected by a master password",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		pw, err := readNewPassword("Master password: ")
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(pw)

		s, done := startSpinner("Creating vault...")
		defer done()

		if err := v.Create(cmd.Context(), pw); err != nil {
			if errors.Is(err, credvault.ErrVaultExists) {
				s.FinalMSG = failMsg("A vault already exists in %s", highlightText.Sprint(cfg.DataDir))
				return nil
			}
			return err
		}
		v.Lock()

		if initWriteCf {
			path := flagConfig
			if path == "" {
				if path, err = defaultConfigPath(); err != nil {
					return err
				}
			}
			if err := saveConfig(path, cfg); err != nil {
				return err
			}
		}
		s.FinalMSG = okMsg("Vault created in %s (format v%d)", highlightText.Sprint(cfg.DataDir), cfg.Format)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add an account record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := unlockVault(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		defer v.Lock()

		secret, err := readPassword("Account password: ")
		if err != nil {
			return err
		}
		rec := &credvault.AccountRecord{Username: args[0], Password: string(secret), Notes: addNotes}
		memguard.WipeBytes(secret)
		if addGame != "" {
			rec.Game = &credvault.GameMetadata{Name: addGame, Rank: addRank}
		}

		id, err := v.Add(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, okMsg("Record added with id %s", highlightText.Sprint(id)))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Decrypt and list every record",
	Long: `Decrypts and lists every record. With --shared and --from the records of a
vault shared with you are listed as well, decrypted with the received grant.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (listShared == "") != (listFrom == "") {
			return errors.New("--shared and --from must be used together")
		}
		ctx := cmd.Context()
		v, store, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		defer v.Lock()

		_, done := startSpinner("Decrypting records...")
		result, err := v.Load(ctx)
		if err != nil {
			done()
			return err
		}
		skipped := result.SkippedCount()
		done()

		var shared *credvault.LoadResult
		if listShared != "" {
			if shared, err = loadShared(ctx, v); err != nil {
				return err
			}
			skipped += shared.SkippedCount()
		}
		if skipped > 0 {
			fmt.Fprintln(os.Stderr, warningText.Sprint("⚠")+fmt.Sprintf(" %d record(s) could not be decrypted and were skipped", skipped))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tPASSWORD\tGAME\tNOTES\tSHARED")
		printRecords(w, result, "")
		if shared != nil {
			printRecords(w, shared, listShared)
		}
		return w.Flush()
	},
}

// loadShared opens the --from store and decodes it with the grant kept
// under --shared
func loadShared(ctx context.Context, v *credvault.Vault) (*credvault.LoadResult, error) {
	from, err := badgerstore.Open(badgerstore.Config{
		Path:   filepath.Join(listFrom, "db"),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	defer from.Close()

	pw, err := readPassword(fmt.Sprintf("Password for %s: ", listShared))
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pw)

	return v.LoadShared(ctx, listShared, pw, from)
}

func printRecords(w io.Writer, result *credvault.LoadResult, label string) {
	for _, r := range result.Records {
		password := "********"
		if listReveal {
			password = r.Record.Password
		}
		game := ""
		if r.Record.Game != nil {
			game = r.Record.Game.Name
			if r.Record.Game.Rank != "" {
				game += " (" + r.Record.Game.Rank + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Record.Username, password, game, r.Record.Notes, label)
	}
}

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := v.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, okMsg("Record %s removed", highlightText.Sprint(args[0])))
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password",
	Long: `Rewraps the master key under a new password. Records are untouched and
existing sharing grants stay valid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := unlockVault(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		defer v.Lock()

		pw, err := readNewPassword("New master password: ")
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(pw)

		if err := v.ChangePassword(cmd.Context(), pw); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, okMsg("Master password changed"))
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the master key and re-encrypt every record",
	Long: `Generates a new master key, re-encrypts every readable record under it and
stores the new key wrapped under a (possibly new) password.

Sharing grants hold the old key and stop working; share again afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := unlockVault(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		defer v.Lock()

		opts := credvault.KeyRotationOptions{DryRun: rotateDry}
		if !rotateDry {
			if opts.Password, err = readNewPassword("New master password: "); err != nil {
				return err
			}
			defer memguard.WipeBytes(opts.Password)
		}

		s, done := startSpinner("Rotating master key...")
		defer done()

		result, err := v.RotateMasterKey(cmd.Context(), opts)
		if err != nil {
			s.FinalMSG = failMsg("Rotation failed, the previous key is still in use")
			return err
		}

		verb := "Re-encrypted"
		if rotateDry {
			verb = "Would re-encrypt"
		}
		msg := okMsg("%s %d record(s)", verb, result.Rotated)
		if n := len(result.Skipped); n > 0 {
			msg += "\n" + warningText.Sprint("⚠") + fmt.Sprintf(" %d unreadable record(s) left untouched", n)
		}
		s.FinalMSG = msg
		return nil
	},
}
