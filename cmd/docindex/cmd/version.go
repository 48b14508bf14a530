package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/config"
	"github.com/Aman-CERP/docindex/internal/output"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/pkg/version"
)

// versionInfo is the build information plus the index the current
// directory resolves to.
type versionInfo struct {
	version.BuildInfo
	Index *indexInfo `json:"index,omitempty"`
}

type indexInfo struct {
	Root   string `json:"root"`
	Driver string `json:"driver"`
	// Database is the SQLite file; empty for PostgreSQL so the DSN never
	// leaks into output.
	Database string `json:"database,omitempty"`
	Exists   bool   `json:"exists"`
}

func newVersionCmd() *cobra.Command {
	var jsonOutput, shortOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and index information",
		Long: `Print the build version, commit and Go version, followed by the index
the current directory (or --root) resolves to and its store driver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if shortOutput {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return err
			}

			info := versionInfo{BuildInfo: version.GetInfo(), Index: lookupIndex()}
			if jsonOutput {
				return output.New(cmd.OutOrStdout()).JSON(info)
			}
			return printVersion(cmd, info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&shortOutput, "short", false, "Output only the version number")

	return cmd
}

// lookupIndex describes the resolved index. A missing or broken
// configuration yields nil: version must work anywhere.
func lookupIndex() *indexInfo {
	root, err := resolveRoot("")
	if err != nil {
		return nil
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil
	}

	info := &indexInfo{Root: root, Driver: cfg.Store.Driver}
	if cfg.Store.Driver == store.DriverSQLite {
		info.Database = cfg.DatabasePath(root)
		_, statErr := os.Stat(info.Database)
		info.Exists = statErr == nil
	} else {
		info.Exists = cfg.Store.DSN != ""
	}
	return info
}

func printVersion(cmd *cobra.Command, info versionInfo) error {
	w := cmd.OutOrStdout()
	if _, err := fmt.Fprintln(w, version.String()); err != nil {
		return err
	}
	if info.Index == nil {
		return nil
	}

	state := "not indexed yet"
	if info.Index.Exists {
		state = "indexed"
	}
	location := info.Index.Driver
	if info.Index.Database != "" {
		location += ", " + info.Index.Database
	}
	_, err := fmt.Fprintf(w, "index: %s (%s) %s\n", info.Index.Root, location, state)
	return err
}
