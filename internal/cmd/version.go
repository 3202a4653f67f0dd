package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := buildInfo()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		_, _ = fmt.Fprintf(os.Stdout, "dbrelay %s (commit %s, built %s)\n", info["version"], info["commit"], info["build_date"])
		_, _ = fmt.Fprintf(os.Stdout, "%s %s/%s, gofulmen %s\n", info["go_version"], runtime.GOOS, runtime.GOARCH, info["gofulmen"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func buildInfo() map[string]string {
	libs := crucible.GetVersion()
	return map[string]string{
		"version":    versionInfo.Version,
		"commit":     versionInfo.Commit,
		"build_date": versionInfo.BuildDate,
		"go_version": runtime.Version(),
		"gofulmen":   libs.Gofulmen,
		"crucible":   libs.Crucible,
	}
}
