package cobracmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flynn/sshsk/ctap2token"
	"github.com/flynn/sshsk/ctaphid"
)

func Info() *cobra.Command {
	return &cobra.Command{
		Use:          "info",
		Short:        "Show capabilities of connected security keys",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := ctaphid.Devices()
			if err != nil {
				return err
			}

			for _, dev := range devs {
				d, err := ctaphid.Open(dev)
				if err != nil {
					return err
				}

				info, err := ctap2token.NewToken(d).GetInfo()
				d.Close()
				if err != nil {
					return err
				}

				fmt.Printf("%s %s\n", dev.Product, dev.Path)
				fmt.Printf("\tversions: %v\n", info.Versions)
				fmt.Printf("\taaguid: %x\n", info.AAGUID)
				fmt.Printf("\tresident keys: %v\n", info.SupportsResidentKeys())
				fmt.Printf("\tPIN configured: %v\n", info.PINConfigured())
				fmt.Printf("\tcredential management: %v\n", info.SupportsCredentialManagement())
				if info.MaxCredentialCountInList > 0 {
					fmt.Printf("\tmax credentials per list: %d\n", info.MaxCredentialCountInList)
				}
				if info.RemainingDiscoverableCredentials != nil {
					fmt.Printf("\tremaining resident slots: %d\n", *info.RemainingDiscoverableCredentials)
				}
			}

			return nil
		},
	}
}
