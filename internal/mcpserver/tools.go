package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/engine"
)

func registerTools(s *server.MCPServer, eng *engine.Engine, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("open_dump",
			mcp.WithDescription("Open a crash dump file in a new debugging session. Returns the session ID used by every other tool."),
			mcp.WithString("dump_path",
				mcp.Required(),
				mcp.Description("Absolute path to the crash dump file (.dmp)"),
			),
			mcp.WithString("symbols_path",
				mcp.Description("Optional symbol search path (directory or srv* spec)"),
			),
		),
		openDumpHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all open debugging sessions with their status and queue depth."),
		),
		listSessionsHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("close_session",
			mcp.WithDescription("Close a debugging session and release its debugger process. Idempotent."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to close"),
			),
		),
		closeSessionHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Queue a debugger command (e.g. '!analyze -v', 'k', 'lm') on a session. Returns a command ID immediately; use read_result to fetch the output."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to run the command on"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The debugger command text"),
			),
		),
		runCommandHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("read_result",
			mcp.WithDescription("Read a command's result, optionally waiting for it to finish. Returns the record including state, output, and error."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command ID returned by run_command"),
			),
			mcp.WithNumber("max_wait_seconds",
				mcp.Description("Seconds to wait for completion (default 30, 0 reads immediately)"),
			),
		),
		readResultHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_command",
			mcp.WithDescription("Cancel a queued or executing command."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command ID to cancel"),
			),
			mcp.WithString("reason",
				mcp.Description("Optional reason recorded on the command"),
			),
		),
		cancelCommandHandler(eng, log),
	)

	s.AddTool(
		mcp.NewTool("list_commands",
			mcp.WithDescription("List every command of a session, oldest first, with states and timing."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to list commands for"),
			),
		),
		listCommandsHandler(eng, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// toolJSON renders a value as an indented JSON tool result.
func toolJSON(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func openDumpHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dumpPath, err := req.RequireString("dump_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbolsPath := req.GetString("symbols_path", "")

		info, err := eng.CreateSession(ctx, dumpPath, symbolsPath)
		if err != nil {
			log.Error("failed to open dump", zap.String("dump_path", dumpPath), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to open dump: %v", err)), nil
		}
		return toolJSON(info), nil
	}
}

func listSessionsHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolJSON(eng.ListSessions(ctx)), nil
	}
}

func closeSessionHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := eng.CloseSession(ctx, sessionID); err != nil {
			log.Error("failed to close session", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to close session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s closed", sessionID)), nil
	}
}

func runCommandHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		commandID, err := eng.RunCommand(ctx, sessionID, command)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to run command: %v", err)), nil
		}
		return toolJSON(map[string]string{
			"session_id": sessionID,
			"command_id": commandID,
			"state":      "QUEUED",
		}), nil
	}
}

func readResultHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		maxWait := time.Duration(req.GetInt("max_wait_seconds", 30)) * time.Second
		if maxWait < 0 {
			maxWait = 0
		}

		view, err := eng.ReadCommandResult(ctx, sessionID, commandID, maxWait)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read result: %v", err)), nil
		}
		return toolJSON(view), nil
	}
}

func cancelCommandHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cancelled, err := eng.CancelCommand(ctx, sessionID, commandID, req.GetString("reason", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel command: %v", err)), nil
		}
		return toolJSON(map[string]interface{}{
			"command_id": commandID,
			"cancelled":  cancelled,
		}), nil
	}
}

func listCommandsHandler(eng *engine.Engine, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		views, err := eng.ListCommands(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list commands: %v", err)), nil
		}
		return toolJSON(views), nil
	}
}
