package cli

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Print the effective configuration with secrets masked",
	Annotations: map[string]string{dataOutput: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowConfig()
	},
}
