package cobracmd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/flynn/sshsk/crypto"
	"github.com/flynn/sshsk/ctapnfc"
	"github.com/flynn/sshsk/skbridge"
	"github.com/flynn/sshsk/transport"
)

func Sign() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sign [data]",
		Short:        "Produce a test assertion with a security key",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credHex, err := cmd.Flags().GetString("credential")
			if err != nil {
				return err
			}
			app, err := cmd.Flags().GetString("application")
			if err != nil {
				return err
			}
			pin, err := cmd.Flags().GetString("pin")
			if err != nil {
				return err
			}
			tr, err := cmd.Flags().GetString("transport")
			if err != nil {
				return err
			}
			var useNFC bool
			switch tr {
			case "usb":
			case "nfc":
				useNFC = true
			default:
				return fmt.Errorf("unknown transport %q, want usb or nfc", tr)
			}
			ed, err := cmd.Flags().GetBool("ed25519")
			if err != nil {
				return err
			}

			credID, err := hex.DecodeString(credHex)
			if err != nil {
				return fmt.Errorf("invalid credential id: %w", err)
			}

			data := []byte("sshskman test message")
			if len(args) == 1 {
				data = []byte(args[0])
			}

			alg := crypto.ES256
			if ed {
				alg = crypto.EdDSA
			}

			opts := []skbridge.Option{skbridge.WithPIN(pin)}
			if useNFC {
				opts = append(opts, skbridge.WithTransport(transport.NFC))
			}
			signer := skbridge.NewSigner(skbridge.Credential{
				ID:             credID,
				RelyingPartyID: app,
				Algorithm:      alg,
			}, opts...)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if useNFC {
				go func() {
					t, err := ctapnfc.Await()
					if err != nil {
						fmt.Fprintln(os.Stderr, err)
						return
					}
					if !signer.SubmitTransport(t) {
						t.Close()
					}
				}()
				fmt.Println("tap your security key on the reader...")
			} else {
				fmt.Println("touch your security key when it blinks...")
			}

			blob, err := signer.SignContext(ctx, data)
			if err != nil {
				return err
			}

			fmt.Println(base64.StdEncoding.EncodeToString(blob))
			return nil
		},
	}

	cmd.Flags().StringP("credential", "c", "", "credential id, hex encoded")
	cmd.Flags().StringP("application", "a", "ssh:", "application (relying party) id")
	cmd.Flags().StringP("pin", "p", "", "device PIN")
	cmd.Flags().StringP("transport", "t", "usb", "transport to use, usb or nfc")
	cmd.Flags().Bool("ed25519", false, "credential uses Ed25519 instead of ECDSA P-256")
	cobra.CheckErr(cmd.MarkFlagRequired("credential"))
	return cmd
}
