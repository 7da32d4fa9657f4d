package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "arbor-cli",
	Short: "Command line tool for inspecting and operating Arbor databases",
	Long: `arbor-cli - Command line tool for inspecting Arbor databases

Examples:
  arbor-cli list /path/to/database
  arbor-cli dump /path/to/database 000001
  arbor-cli compact /path/to/database
  arbor-cli verify /path/to/database
  arbor-cli scan-key /path/to/database "fr\\x00nodeid"
  arbor-cli serve /path/to/database --addr :9090`,
}

func main() {
	rootCmd.AddCommand(
		listCmd,
		dumpCmd,
		compactCmd,
		verifyCmd,
		scanKeyCmd,
		serveCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("arbor-cli version %s\n", version)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <db_path>",
	Short: "List all SSTables with sizes, levels, and key ranges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCommand(args)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <db_path> <file_number>",
	Short: "Dump contents of a specific SSTable file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpCommand(args)
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <db_path>",
	Short: "Force database compaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return compactCommand(args)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <db_path>",
	Short: "Verify database integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyCommand(args)
	},
}

var scanKeyCmd = &cobra.Command{
	Use:   "scan-key <db_path> <key_prefix>",
	Short: "Find which SSTables contain keys with the given prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scanKeyCommand(args)
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <db_path>",
	Short: "Open the database and serve /metrics over HTTP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCommand(args[0], serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "address to serve /metrics on")
}
