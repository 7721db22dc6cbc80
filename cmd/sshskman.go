package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flynn/sshsk/cmd/cobracmd"
)

var rootCmd = &cobra.Command{
	Use:   "sshskman",
	Short: "Inspect and exercise FIDO2 security keys used for SSH",
}

func init() {
	rootCmd.AddCommand(cobracmd.List())
	rootCmd.AddCommand(cobracmd.Info())
	rootCmd.AddCommand(cobracmd.Sign())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
