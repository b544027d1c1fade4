package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the boot workflows as MCP tools over stdio",
	Long: `Starts a Model Context Protocol server on standard input and output. Agents can
call boot_soc, boot_soc_ssh, boot_selmap and boot_fabric with the same target,
state and artifact overrides as the boot commands. Logs go to standard error.

Calls are served one at a time.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout carries JSON-RPC
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: LogLevel})))

	srv := newMCPServer(boot)
	slog.Info("mcp_server_start", "transport", "stdio", "tools", len(srv.tools))
	if err := server.ServeStdio(srv.mcp); err != nil {
		return errors.Wrap(err, "mcp server failed")
	}
	return nil
}

// bootRunner runs one boot and returns its run id.
type bootRunner func(ctx context.Context, r bootRequest, build bootWorkflow) (string, error)

type mcpServer struct {
	mcp   *server.MCPServer
	tools []server.ServerTool
	run   bootRunner

	// one board transition at a time
	mu sync.Mutex
}

func newMCPServer(run bootRunner) *mcpServer {
	s := &mcpServer{
		mcp: server.NewMCPServer("bringup", Version, server.WithToolCapabilities(false)),
		run: run,
	}

	s.tools = []server.ServerTool{
		{
			Tool: mcp.NewTool("boot_soc", bootToolOptions(
				"Boot a Zynq/ZynqMP SoC from an SD card switched through an SD mux.",
				append(artifactOptions(),
					mcp.WithBoolean("update_image", mcp.Description("Write the full release image before copying boot files")),
				)...,
			)...),
			Handler: s.handler("boot_soc", sdMuxWorkflow, func(req mcp.CallToolRequest, r *bootRequest) error {
				r.artifacts = artifactsFrom(req)
				r.updateImage = req.GetBool("update_image", false)
				return nil
			}),
		},
		{
			Tool: mcp.NewTool("boot_soc_ssh", bootToolOptions(
				"Update the boot files of a running SoC over SSH and reboot into them.",
				artifactOptions()...,
			)...),
			Handler: s.handler("boot_soc_ssh", sshWorkflow, func(req mcp.CallToolRequest, r *bootRequest) error {
				r.artifacts = artifactsFrom(req)
				return nil
			}),
		},
		{
			Tool: mcp.NewTool("boot_selmap", bootToolOptions(
				"Boot a primary SoC, then the secondary FPGA through SelMap.",
				mcp.WithObject("pre_boot_files",
					mcp.Description("Primary boot files, local path to remote path; replaces the configured list"),
				),
				mcp.WithObject("post_boot_files",
					mcp.Description("Secondary boot files, local path to remote path; replaces the configured list"),
				),
			)...),
			Handler: s.handler("boot_selmap", selMapWorkflow, func(req mcp.CallToolRequest, r *bootRequest) error {
				var err error
				if r.preBoot, err = mappingsFrom(req, "pre_boot_files"); err != nil {
					return err
				}
				r.postBoot, err = mappingsFrom(req, "post_boot_files")
				return err
			}),
		},
		{
			Tool: mcp.NewTool("boot_fabric", bootToolOptions(
				"Flash a bitstream and boot a Microblaze kernel over JTAG.",
				mcp.WithString("bitstream_path", mcp.Description("FPGA bitstream (.bit) replacing the configured one")),
				mcp.WithString("kernel_path", mcp.Description("Kernel image (.strip) replacing the configured one")),
			)...),
			Handler: s.handler("boot_fabric", fabricWorkflow, func(req mcp.CallToolRequest, r *bootRequest) error {
				r.bitstream = req.GetString("bitstream_path", "")
				r.kernel = req.GetString("kernel_path", "")
				return nil
			}),
		},
	}
	s.mcp.AddTools(s.tools...)
	return s
}

// handler adapts a boot workflow to a tool. Failures are reported as tool errors
// so the agent sees the message.
func (s *mcpServer) handler(tool string, build bootWorkflow, fill func(mcp.CallToolRequest, *bootRequest) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		r := bootRequest{
			config: req.GetString("config_path", ""),
			target: req.GetString("target", "main"),
			state:  req.GetString("state", "shell"),
		}
		if err := fill(req, &r); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", tool, err)), nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		slog.Info("mcp_tool_call", "tool", tool, "target", r.target, "state", r.state)
		run, err := s.run(ctx, r, build)
		if err != nil {
			slog.Error("mcp_tool_failed", "tool", tool, "target", r.target, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", tool, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Reached %s on %s (run %s)", r.state, r.target, run)), nil
	}
}

// bootToolOptions are the arguments every boot tool shares, followed by extra.
func bootToolOptions(description string, extra ...mcp.ToolOption) []mcp.ToolOption {
	return append([]mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("config_path", mcp.Description("Configuration file; defaults to the server's --config")),
		mcp.WithString("target", mcp.DefaultString("main"), mcp.Description("Target name in the configuration")),
		mcp.WithString("state", mcp.DefaultString("shell"), mcp.Description("Stage to transition to")),
	}, extra...)
}

func artifactOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("release_version", mcp.Description("Release version in the S3 bucket, e.g. 2023_R2_P1")),
		mcp.WithString("kernel_path", mcp.Description("Kernel image replacing the release one")),
		mcp.WithString("bootbin_path", mcp.Description("BOOT.BIN replacing the release one")),
		mcp.WithString("devicetree_path", mcp.Description("Devicetree blob replacing the release one")),
	}
}

func artifactsFrom(req mcp.CallToolRequest) artifactFlags {
	return artifactFlags{
		release:    req.GetString("release_version", ""),
		kernel:     req.GetString("kernel_path", ""),
		bootbin:    req.GetString("bootbin_path", ""),
		devicetree: req.GetString("devicetree_path", ""),
	}
}

// mappingsFrom turns an object argument of local to remote paths into local:remote
// mappings, ordered by local path.
func mappingsFrom(req mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	files, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Configuration("%s must map local paths to remote paths", key)
	}

	locals := make([]string, 0, len(files))
	for local := range files {
		locals = append(locals, local)
	}
	sort.Strings(locals)

	out := make([]string, 0, len(locals))
	for _, local := range locals {
		remote, ok := files[local].(string)
		if !ok {
			return nil, errors.Configuration("%s: remote path of %s must be a string", key, local)
		}
		out = append(out, local+":"+remote)
	}
	return out, nil
}
