package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/service"
)

// MCPServer exposes profile resolution to MCP clients.
type MCPServer struct {
	profiles *service.ProfileService
}

// NewServer registers the ssdtprof resources and tools.
func NewServer(svc *service.ProfileService) *server.MCPServer {
	s := server.NewMCPServer(
		"ssdtprof",
		"0.1.0",
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)
	ms := &MCPServer{profiles: svc}

	// --- Resources ---

	s.AddResource(
		mcp.NewResource(
			"ssdtprof://rules",
			"Rules",
			mcp.WithResourceDescription("Registered rules in registration order"),
			mcp.WithMIMEType("application/json"),
		),
		ms.handleRules,
	)

	s.AddResource(
		mcp.NewResource(
			"ssdtprof://conventions",
			"Conventions",
			mcp.WithResourceDescription("Fact names and how rules combine"),
			mcp.WithMIMEType("text/markdown"),
		),
		ms.handleConventions,
	)

	// --- Tools ---

	s.AddTool(
		mcp.NewTool(
			"resolve_profile",
			withFingerprint(
				mcp.WithDescription("Resolve the descriptor table layouts and syscall table for a Windows image."),
			)...,
		),
		ms.handleResolve,
	)

	s.AddTool(
		mcp.NewTool(
			"get_layout",
			withFingerprint(
				mcp.WithDescription("Get one bound structure layout with field offsets."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Structure name, e.g. _SERVICE_DESCRIPTOR_TABLE")),
			)...,
		),
		ms.handleLayout,
	)

	s.AddTool(
		mcp.NewTool(
			"get_table",
			withFingerprint(
				mcp.WithDescription("Get a bound reference table: expected service names by index."),
				mcp.WithString("name", mcp.Description("Table name (default syscalls)")),
			)...,
		),
		ms.handleTable,
	)

	s.AddTool(
		mcp.NewTool(
			"explain_profile",
			withFingerprint(
				mcp.WithDescription("List the rules that applied, in order, and what each overrode."),
			)...,
		),
		ms.handleExplain,
	)

	return s
}

// Run starts the MCP server on Stdio.
func Run(ctx context.Context, svc *service.ProfileService) error {
	slog.Info("Starting MCP server on Stdio")
	return server.ServeStdio(NewServer(svc))
}

// withFingerprint appends the fingerprint parameters every tool takes.
func withFingerprint(opts ...mcp.ToolOption) []mcp.ToolOption {
	return append(opts,
		mcp.WithString("os", mcp.Description("OS family (default windows)")),
		mcp.WithString("memory_model", mcp.Description("32bit or 64bit")),
		mcp.WithNumber("major", mcp.Description("Major version")),
		mcp.WithNumber("minor", mcp.Description("Minor version")),
		mcp.WithNumber("build", mcp.Description("Build number")),
	)
}

func fingerprintArgs(args map[string]any) facts.Fingerprint {
	fp := facts.Fingerprint{OS: facts.OSWindows}
	if v, ok := args["os"].(string); ok && v != "" {
		fp.OS = v
	}
	fp.MemoryModel, _ = args["memory_model"].(string)
	num := func(key string) *int {
		if f, ok := args[key].(float64); ok {
			n := int(f)
			return &n
		}
		return nil
	}
	fp.Major, fp.Minor, fp.Build = num("major"), num("minor"), num("build")
	return fp
}

// toolError renders err with any name suggestions.
func toolError(err error) *mcp.CallToolResult {
	appErr := errors.MapError(err)
	msg := appErr.Message
	if len(appErr.Hints) > 0 {
		msg += "\nDid you mean: " + strings.Join(appErr.Hints, ", ")
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (ms *MCPServer) handleRules(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(ms.profiles.Rules(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func (ms *MCPServer) handleConventions(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	content := `
# ssdtprof Conventions

## Facts
- 'os': OS family, e.g. windows.
- 'memory_model': 32bit or 64bit.
- 'major', 'minor', 'build': integer version numbers.

A rule whose condition names a fact the image does not have never applies.

## Rules
- Every applicable rule runs once, in an order that respects its before/after
  constraints; ties keep registration order.
- When two rules bind the same table, the later one wins.
- Layouts from two variants may only meet when one variant overrides the other.

## Tables
- 'syscalls' lists kernel (table 0) and GUI (table 1) service names by index.
`
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/markdown",
			Text:     content,
		},
	}, nil
}

func (ms *MCPServer) handleResolve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := ms.profiles.Summarize(ctx, fingerprintArgs(request.GetArguments()))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(sum)
}

func (ms *MCPServer) handleLayout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("name argument required"), nil
	}
	bl, err := ms.profiles.Layout(ctx, fingerprintArgs(args), name)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bl)
}

func (ms *MCPServer) handleTable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name, _ := args["name"].(string)
	if name == "" {
		name = "syscalls"
	}
	t, err := ms.profiles.Table(ctx, fingerprintArgs(args), name)
	if err != nil {
		return toolError(err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s from module %s\n", t.Name, t.Module)
	for _, d := range t.Entries {
		fmt.Fprintf(&sb, "[%d] %#04x %s\n", d.Table, d.Index, d.Name)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ms *MCPServer) handleExplain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := ms.profiles.Summarize(ctx, fingerprintArgs(request.GetArguments()))
	if err != nil {
		return toolError(err), nil
	}
	if len(sum.Trace) == 0 {
		return mcp.NewToolResultText("No rules applied."), nil
	}

	var lines []string
	for _, o := range sum.Trace {
		line := fmt.Sprintf("%d. %s set %s %s = %s", o.Seq, o.RuleID, o.Kind, o.Name, o.Value)
		if o.Replaced != "" {
			line += " (overriding " + o.Replaced + ")"
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}
