package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Foundation-Devices/devtask/pkg/buildsys"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the devtask version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devtask %s (%s, %s/%s)\n", buildsys.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
