package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped via -ldflags at release build time.
var version = "0.1.0-dev"

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show pitboss version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pitboss version " + version)
		},
	}
}
