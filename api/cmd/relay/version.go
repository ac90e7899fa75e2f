package relay

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helixml/screenrelay/api/pkg/system"
)

func newVersionCommand() *cobra.Command {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(system.GetRelayVersion())
		},
	}
	return versionCmd
}
