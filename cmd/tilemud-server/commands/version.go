package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkirby-ms/tilemud/internal/config"
	"github.com/dkirby-ms/tilemud/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show tilemud-server version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc, err := version.New("tilemud", cfg.Protocol.Version, cfg.Protocol.SupportedVersions)
		if err != nil {
			return err
		}
		info := svc.Get()

		if versionJSON {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("protocol: %s\n", info.Protocol)
		fmt.Printf("version: %s\n", info.Version)
		fmt.Printf("platform: %s\n", info.Platform)
		fmt.Printf("go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionJSON, "json", "j", false, "output version info as JSON")
}
