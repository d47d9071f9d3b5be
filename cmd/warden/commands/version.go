package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/wardenscan/warden/internal/version"
)

var versionJSON bool

// VersionCmd prints build metadata for the warden binary.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show Warden version information",
	Long:  `Display version, commit hash, build time, and platform for the Warden binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()

		if versionJSON {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		}

		cmd.Println(info.String())
		cmd.Printf("Platform: %s\n", info.Platform)
		cmd.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&versionJSON, "json", "j", false, "Output version info as JSON")
}
