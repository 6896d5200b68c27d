package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
)

var (
	cfgPath      string
	dbPath       string
	logLevel     string
	overlayFiles []string
	jsonOut      bool

	fpOS    string
	fpModel string
	fpMajor int
	fpMinor int
	fpBuild int

	theApp *app

	rootCmd = &cobra.Command{
		Use:   "ssdtprof",
		Short: "Resolve service descriptor table profiles for Windows memory images",
		Long: `ssdtprof picks the descriptor table layouts and expected syscall tables
that apply to an image, given its OS family, memory model and version.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("overlay") {
				cfg.OverlayFiles = append(cfg.OverlayFiles, overlayFiles...)
			}
			setupLogging(cfg)

			theApp, err = newApp(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if theApp == nil {
				return nil
			}
			return theApp.Close()
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "YAML config file")
	pf.StringVar(&dbPath, "db", "", "sqlite database (empty disables persistence)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringSliceVar(&overlayFiles, "overlay", nil, "extra catalog/registry YAML, may repeat")
	pf.BoolVar(&jsonOut, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(resolveCmd, layoutCmd, tableCmd, syscallsCmd, explainCmd, decodeCmd)
	for _, c := range []*cobra.Command{resolveCmd, layoutCmd, tableCmd, syscallsCmd, explainCmd, decodeCmd} {
		addFingerprintFlags(c)
	}
	explainCmd.Flags().Bool("skipped", false, "include rules that do not apply")
	explainCmd.Flags().StringP("out", "o", "", "write the D3 graph to a file")

	rootCmd.AddCommand(rulesCmd, importCmd, modulesCmd, traceCmd, serveCmd, mcpCmd)
	traceCmd.Flags().Int("limit", 20, "number of recent profiles to list")
	modulesCmd.Flags().String("delete", "", "delete an imported module by id")
	serveCmd.Flags().String("addr", "", "listen address (default from config or PORT)")
}

func addFingerprintFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVar(&fpOS, "os", facts.OSWindows, "OS family")
	f.StringVarP(&fpModel, "model", "m", "", "memory model: 32bit or 64bit")
	f.IntVar(&fpMajor, "major", 0, "major version")
	f.IntVar(&fpMinor, "minor", 0, "minor version")
	f.IntVar(&fpBuild, "build", 0, "build number")
}

// fingerprint builds the fingerprint from flags; unset version flags stay
// unknown rather than defaulting to zero.
func fingerprint(cmd *cobra.Command) facts.Fingerprint {
	fp := facts.Fingerprint{OS: fpOS, MemoryModel: fpModel}
	flags := cmd.Flags()
	if flags.Changed("major") {
		v := fpMajor
		fp.Major = &v
	}
	if flags.Changed("minor") {
		v := fpMinor
		fp.Minor = &v
	}
	if flags.Changed("build") {
		v := fpBuild
		fp.Build = &v
	}
	return fp
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
