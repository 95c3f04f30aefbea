package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/provide-io/rpe/pkg/logging"
	"github.com/provide-io/rpe/pkg/patcher"
)

const version = "0.1.0"

var (
	imagePath   string
	pdbPath     string
	dryRun      bool
	logLevel    string
	rootCmd     *cobra.Command
	versionFlag bool
)

func getBuildTimestamp() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.time" {
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					return t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if stat, err := os.Stat(exePath); err == nil {
			return stat.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "rpe",
		Short: "Rewrite a PE/PDB pair to a reproducible byte-identical form",
		Long:  `rpe sets every build-time timestamp and the checksum a PE32/PE32+ image carries to a fixed reproducible value, derives a deterministic signature over everything else, and rewrites the paired PDB to match.`,
		Run:   patchImage,
	}

	rootCmd.Flags().StringVar(&imagePath, "image", "", "Path to the PE image to rewrite (required)")
	rootCmd.Flags().StringVar(&pdbPath, "pdb", "", "Path to the paired PDB to rewrite (optional)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and log every patch without writing anything")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&versionFlag, "version", "V", false, "Show version information")

	if err := rootCmd.MarkFlagRequired("image"); err != nil {
		panic(err)
	}
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-V") {
		fmt.Printf("rpe %s\n", version)
		fmt.Printf("Built: %s\n", getBuildTimestamp())
		os.Exit(0)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func patchImage(cmd *cobra.Command, args []string) {
	if versionFlag {
		fmt.Printf("rpe %s\n", version)
		fmt.Printf("Built: %s\n", getBuildTimestamp())
		return
	}

	level := logLevel
	if level == "" {
		level = logging.GetLogLevel()
	}
	logger := logging.NewLogger("rpe", level, os.Stderr)

	if err := patcher.PatchImage(imagePath, pdbPath, dryRun, logger); err != nil {
		logger.Error("patch failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
