package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/peer"
	"github.com/absfs/credvault/sharing"
	"github.com/absfs/credvault/signaling"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	shareYes       bool
	receiveForce   bool
	receiveLabel   string
	grantsReceived bool
	relayTokenEnv  = "CREDVAULT_RELAY_TOKEN"
)

func init() {
	shareCmd.Flags().BoolVarP(&shareYes, "yes", "y", false, "share with whoever joins without asking")
	receiveCmd.Flags().StringVar(&receiveLabel, "label", "shared", "local name for the received vault")
	receiveCmd.Flags().BoolVar(&receiveForce, "force", false, "replace a received grant with the same label")
	grantsCmd.Flags().BoolVar(&grantsReceived, "received", false, "list grants received from other vaults instead")

	rootCmd.AddCommand(grantsCmd, revokeCmd, shareCmd, receiveCmd, relayCmd)
}

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "List identities the vault is shared with",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		if grantsReceived {
			return listReceived(cmd, v)
		}

		grants, err := v.ShareGrants(cmd.Context())
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			fmt.Fprintln(os.Stderr, infoText.Sprint("→")+" The vault is not shared with anyone")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tGRANTED\tFORMAT")
		for _, g := range grants {
			fmt.Fprintf(w, "%s\t%s\tv%d\n", g.ReceiverIdentity, g.CreatedAt.Local().Format(time.DateTime), g.Envelope.Version)
		}
		return w.Flush()
	},
}

func listReceived(cmd *cobra.Command, v *credvault.Vault) error {
	received, err := v.ReceivedGrants(cmd.Context())
	if err != nil {
		return err
	}
	if len(received) == 0 {
		fmt.Fprintln(os.Stderr, infoText.Sprint("→")+" No vault has been shared with you")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tIDENTITY\tRECEIVED")
	for _, g := range received {
		fmt.Fprintf(w, "%s\t%s\t%s\n", g.Label, g.Grant.ReceiverIdentity, g.ReceivedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <identity>",
	Short: "Delete the sharing grant of an identity",
	Long: `Deletes the stored grant. The master key is not rotated: a receiver that
already copied its grant can still open it. Run "credvault rotate" to cut
such a receiver off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := v.RevokeGrant(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, okMsg("Grant for %s revoked", highlightText.Sprint(args[0])))
		return nil
	},
}

func dialRelay(ctx context.Context) (*signaling.Client, error) {
	token := cfg.Relay.Token
	if env := os.Getenv(relayTokenEnv); env != "" {
		token = env
	}
	return signaling.Dial(ctx, cfg.Relay.URL, signaling.DialOptions{Token: token, Logger: logger})
}

func sharePeerConfig() peer.Config {
	return peer.Config{
		ListenAddr:     cfg.Peer.ListenAddr,
		AdvertiseAddrs: cfg.Peer.Advertise,
		Logger:         logger,
	}
}

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Hand the master key to another device or account",
	Long: `Opens a room on the signaling relay and prints its id. Run
"credvault receive <room>" on the other side. The key travels over a direct
encrypted connection, and the receiver must prove it holds the key before
its grant is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, store, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		defer v.Lock()

		client, err := dialRelay(ctx)
		if err != nil {
			return err
		}

		s, done := startSpinner("Waiting for the receiver...")
		defer done()

		scfg := sharing.DefaultConfig()
		scfg.Logger = logger
		if !shareYes {
			scfg.Approve = func(_ context.Context, identity string) (bool, error) {
				if s.Active() {
					s.Stop()
					defer s.Start()
				}
				return confirm(fmt.Sprintf("\nShare your vault with %s?", highlightText.Sprint(identity))), nil
			}
		}

		sharer, err := sharing.NewSharer(v.Keys(), store, sharing.NewSignalingTransport(client, sharePeerConfig()), scfg)
		if err != nil {
			_ = client.Close()
			return err
		}
		room, err := sharer.Open(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Room %s, run: credvault receive %s\n", infoText.Sprint("→"), highlightText.Sprint(room), room)

		result, err := sharer.Wait(ctx)
		if err != nil {
			return shareFailure(err)
		}
		s.FinalMSG = okMsg("Vault shared with %s", highlightText.Sprint(result.Identity))
		return nil
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive <room>",
	Short: "Receive a shared vault key",
	Long: `Joins the room opened by "credvault share", receives the master key and
wraps it under a password of your choice. The grant is kept under --label
next to your own vault, which is left untouched. Read the shared records
with "credvault list --shared <label> --from <dir>".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Identity == "" {
			return errors.New(`identity is not set; add identity = "you@example.com" to the config file`)
		}
		if err := credvault.ValidateIdentity(receiveLabel); err != nil {
			return fmt.Errorf("invalid label: %w", err)
		}

		v, store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		if !receiveForce {
			if _, err := store.GetReceivedGrant(ctx, receiveLabel); err == nil {
				return fmt.Errorf("%w: %s (use --force to replace it)", credvault.ErrGrantExists, receiveLabel)
			}
		}

		pw, err := readNewPassword("Password for the shared vault: ")
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(pw)

		client, err := dialRelay(ctx)
		if err != nil {
			return err
		}

		scfg := sharing.DefaultConfig()
		scfg.Logger = logger
		scfg.Vault = vaultConfig()
		receiver, err := sharing.NewReceiver(cfg.Identity, pw, sharing.NewSignalingTransport(client, sharePeerConfig()), scfg)
		if err != nil {
			_ = client.Close()
			return err
		}

		s, done := startSpinner("Waiting for the sharer...")
		defer done()

		result, err := receiver.Join(ctx, args[0])
		if err != nil {
			return shareFailure(err)
		}
		result.Keys.Lock()

		if err := v.AddReceivedGrant(ctx, receiveLabel, result.Grant, receiveForce); err != nil {
			return err
		}
		s.FinalMSG = okMsg("Vault key received and stored as %s", highlightText.Sprint(receiveLabel))
		return nil
	},
}

// handshakeError is a failed share as shown to the user. It prints a
// generic message and still unwraps to the cause.
type handshakeError struct {
	msg string
	err error
}

func (e *handshakeError) Error() string { return e.msg }
func (e *handshakeError) Unwrap() error { return e.err }

// shareFailure keeps protocol internals out of user-facing messages
func shareFailure(err error) error {
	msg := "could not verify the other device"
	switch {
	case errors.Is(err, sharing.ErrHandshakeTimeout):
		msg = "the other side did not respond in time"
	case errors.Is(err, sharing.ErrDeclined):
		msg = "the request was declined"
	case errors.Is(err, signaling.ErrRoomNotFound):
		msg = "no such room"
	case errors.Is(err, context.Canceled):
		msg = "cancelled"
	default:
		if logger != nil {
			logger.Debug("sharing failed", "error", err)
		}
	}
	return &handshakeError{msg: "sharing failed: " + msg, err: err}
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a signaling relay",
	Long: `Serves the websocket signaling relay at /signal. When a token is configured
clients must present it as a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token := cfg.Relay.Token
		if env := os.Getenv(relayTokenEnv); env != "" {
			token = env
		}

		rcfg := signaling.RelayConfig{Logger: logger}
		if token != "" {
			rcfg.Authenticate = func(t string) bool {
				return subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1
			}
		}
		relay := signaling.NewRelay(rcfg)
		relay.Start()
		defer relay.Stop()

		mux := http.NewServeMux()
		mux.Handle("/signal", relay)
		srv := &http.Server{
			Addr:              cfg.Relay.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Fprintln(os.Stderr, okMsg("Relay listening on %s", highlightText.Sprint(cfg.Relay.Listen)))

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}
