package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/duynguyendang/ssdtprof/internal/provenance"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

var (
	importCmd = &cobra.Command{
		Use:   "import FILE...",
		Short: "Import syscall modules from YAML into the database",
		Long: `Each file holds a modules: document. Imported modules replace built-in
modules with the same id on the next run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}

	modulesCmd = &cobra.Command{
		Use:   "modules",
		Short: "List the syscall modules available to bindings",
		Long: `Lists built-in and imported modules. With --delete, removes an imported
module from the database instead; built-in modules cannot be deleted.`,
		Args: cobra.NoArgs,
		RunE:  runModules,
	}

	traceCmd = &cobra.Command{
		Use:   "trace [PROFILE_ID]",
		Short: "Show the logged override trace of a profile, or list recent profiles",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTrace,
	}
)

func requireStore() error {
	if theApp.store == nil {
		return fmt.Errorf("this command needs a database; set --db or SSDTPROF_DB")
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := requireStore(); err != nil {
		return err
	}
	all := tables.MapLoader{}
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		mods, err := tables.LoadYAMLModules(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		all = all.Merge(mods)
	}
	if err := theApp.store.ImportModules(cmd.Context(), all); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "imported %d modules\n", len(all))
	return nil
}

func runModules(cmd *cobra.Command, args []string) error {
	if id, _ := cmd.Flags().GetString("delete"); id != "" {
		if err := requireStore(); err != nil {
			return err
		}
		if err := theApp.store.DeleteModule(cmd.Context(), id); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "deleted module %s\n", id)
		return nil
	}

	ids := theApp.bundle.Modules.IDs()
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, ids)
	}
	for _, id := range ids {
		m, _ := theApp.bundle.Modules.Load(id)
		printf(out, "%-20s nt=%d win32k=%d\n", id, len(m.NT), len(m.Win32k))
	}
	return nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	if err := requireStore(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		trace, err := theApp.profiles.Trace(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out, trace)
		}
		for _, o := range trace {
			printf(out, "%3d %-24s %-12s %-28s %s", o.Seq, o.RuleID, o.Kind, o.Name, o.Value)
			if o.Replaced != "" {
				printf(out, " (was %s)", o.Replaced)
			}
			printf(out, "\n")
		}
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := provenance.Recent(cmd.Context(), theApp.store.DB(), limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, entries)
	}
	for _, e := range entries {
		printf(out, "%s  %s  %d overrides  %s\n", e.ProfileID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Overrides, e.Facts)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
