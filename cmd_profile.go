package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/duynguyendang/ssdtprof/pkg/export"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/service"
)

var (
	resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the profile for a fingerprint",
		Example: `  ssdtprof resolve -m 32bit --major 5 --minor 2 --build 3790
  ssdtprof resolve -m 64bit --major 6 --minor 1 --build 7601 --json`,
		Args: cobra.NoArgs,
		RunE: runResolve,
	}

	layoutCmd = &cobra.Command{
		Use:   "layout NAME",
		Short: "Print one bound layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runLayout,
	}

	tableCmd = &cobra.Command{
		Use:   "table NAME",
		Short: "Print one bound reference table",
		Args:  cobra.ExactArgs(1),
		RunE:  runTable,
	}

	syscallsCmd = &cobra.Command{
		Use:        "syscalls",
		Short:      "Print the legacy (nt, win32k) syscall name pair",
		Deprecated: "use \"table syscalls\" instead",
		Args:       cobra.NoArgs,
		RunE:       runSyscalls,
	}

	explainCmd = &cobra.Command{
		Use:   "explain",
		Short: "Show which rules applied, in what order, and what they overrode",
		Args:  cobra.NoArgs,
		RunE:  runExplain,
	}

	decodeCmd = &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode a raw descriptor table dump with the bound layouts",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}

	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "List the registered rules in registration order",
		Args:  cobra.NoArgs,
		RunE:  runRules,
	}
)

func runResolve(cmd *cobra.Command, args []string) error {
	sum, err := theApp.profiles.Summarize(cmd.Context(), fingerprint(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, sum)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "profile\t%s\n", sum.ID)
	printf(tw, "facts\t%s\n", formatFacts(sum))
	for _, name := range sortedKeys(sum.Layouts) {
		bl := sum.Layouts[name]
		printf(tw, "layout\t%s\tsize=%#x\tfrom %s\n", name, bl.Layout.Size, bl.Source)
	}
	for _, t := range sum.Tables {
		printf(tw, "table\t%s\tmodule=%s\tnt=%d win32k=%d\n", t.Name, t.Module, t.NT, t.Win32k)
	}
	if len(sum.Tables) == 0 {
		printf(tw, "table\t(none bound)\n")
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return printTrace(out, sum)
}

func formatFacts(sum *service.Summary) string {
	parts := make([]string, 0, len(sum.Facts))
	for _, k := range sortedKeys(sum.Facts) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, sum.Facts[k]))
	}
	return strings.Join(parts, " ")
}

func printTrace(w io.Writer, sum *service.Summary) error {
	if len(sum.Trace) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "\n#\tRULE\tKIND\tNAME\tVALUE\tREPLACED\n")
	for _, o := range sum.Trace {
		printf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", o.Seq, o.RuleID, o.Kind, o.Name, o.Value, o.Replaced)
	}
	return tw.Flush()
}

func runLayout(cmd *cobra.Command, args []string) error {
	bl, err := theApp.profiles.Layout(cmd.Context(), fingerprint(cmd), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, bl)
	}
	printf(out, "%s (%#x bytes, from %s)\n", bl.Layout.Name, bl.Layout.Size, bl.Source)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, f := range bl.Layout.Fields {
		detail := f.Target
		if f.Kind == layout.KindArray {
			detail = fmt.Sprintf("%s[%d]", f.Elem, f.Count)
		}
		printf(tw, "  %#x\t%s\t%s\t%#x\t%s\n", f.Offset, f.Name, f.Kind, f.Size, detail)
	}
	return tw.Flush()
}

func runTable(cmd *cobra.Command, args []string) error {
	t, err := theApp.profiles.Table(cmd.Context(), fingerprint(cmd), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, t)
	}
	printf(out, "%s from module %s\n", t.Name, t.Module)
	for _, d := range t.Entries {
		printf(out, "  [%d] %#04x %s\n", d.Table, d.Index, d.Name)
	}
	return nil
}

func runSyscalls(cmd *cobra.Command, args []string) error {
	sc, err := theApp.profiles.Syscalls(cmd.Context(), fingerprint(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, sc)
	}
	if !sc.Shim {
		printf(out, "no syscalls accessor for this OS family\n")
		return nil
	}
	printf(out, "nt (%d): %s\n", len(sc.NT), strings.Join(sc.NT, " "))
	printf(out, "win32k (%d): %s\n", len(sc.Win32k), strings.Join(sc.Win32k, " "))
	return nil
}

func runExplain(cmd *cobra.Command, args []string) error {
	skipped, _ := cmd.Flags().GetBool("skipped")
	outFile, _ := cmd.Flags().GetString("out")

	graph, err := theApp.profiles.Explain(cmd.Context(), fingerprint(cmd), skipped)
	if err != nil {
		return err
	}
	if outFile != "" {
		if err := export.SaveD3Graph(graph, outFile); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "wrote %d nodes, %d links to %s\n", len(graph.Nodes), len(graph.Links), outFile)
		return nil
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, graph)
	}
	for _, n := range graph.Nodes {
		printf(out, "%2d %-24s %-8s %s\n", n.Order, n.ID, n.Group, n.Metadata["when"])
	}
	for _, l := range graph.Links {
		printf(out, "   %s -> %s (%s)\n", l.Source, l.Target, l.Relation)
	}
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	descs, err := theApp.profiles.DecodeTable(cmd.Context(), fingerprint(cmd), raw)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, descs)
	}
	for i, d := range descs {
		printf(out, "[%d]", i)
		for _, k := range sortedKeys(d) {
			printf(out, " %s=%#x", k, d[k])
		}
		printf(out, "\n")
	}
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	rules := theApp.profiles.Rules()
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, rules)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "ID\tKIND\tWHEN\tORDER\n")
	for _, r := range rules {
		var order []string
		for _, b := range r.Before {
			order = append(order, "before "+b)
		}
		for _, a := range r.After {
			order = append(order, "after "+a)
		}
		printf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.When, strings.Join(order, ", "))
	}
	return tw.Flush()
}
