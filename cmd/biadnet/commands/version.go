package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/biadnet/biadnet/version"
)

const versionCmdName = "version"

// MakeVersionCommand returns the command that prints the node version.
func MakeVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   versionCmdName,
		Short: "Show version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)
				return nil
			}
			values, err := json.MarshalIndent(struct {
				Biadnet     string `json:"biadnet"`
				GitCommit   string `json:"git_commit,omitempty"`
				P2PProtocol uint32 `json:"p2p_protocol"`
			}{
				Biadnet:     version.BiadnetSemVer,
				GitCommit:   version.GitCommit,
				P2PProtocol: version.P2PProtocol,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol and library versions")
	return cmd
}
