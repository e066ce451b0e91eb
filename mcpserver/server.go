package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/validator"
)

// Executor runs code through the sandbox pipeline.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
	Session(id string) *sandbox.Session
}

// Validator runs static validation on its own.
type Validator interface {
	Validate(code, language string, p *policy.SecurityPolicy) (*validator.Report, error)
}

// AlertSource exposes recorded resource alerts per session.
type AlertSource interface {
	Alerts(sessionID string) []monitor.Alert
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	validator Validator
	alerts    AlertSource
	defaults  *policy.SecurityPolicy
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor, v Validator, alerts AlertSource) (*MCPServer, error) {
	defaults, err := cfg.SecurityPolicy()
	if err != nil {
		return nil, fmt.Errorf("could not build security policy: %w", err)
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		executor:  executor,
		validator: v,
		alerts:    alerts,
		defaults:  defaults,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Bool("sandbox.enable_process_backend", cfg.Sandbox.EnableProcessBackend),
		zap.Int("policy.max_execution_time_ms", defaults.MaxExecutionTimeMs),
		zap.Int("policy.max_memory_mb", defaults.MaxMemoryMB),
		zap.Int("policy.max_cpu_time_ms", defaults.MaxCPUTimeMs),
		zap.Int("policy.max_output_size", defaults.MaxOutputSize),
		zap.String("policy.admission_threshold", defaults.AdmissionThreshold.String()),
		zap.Int("monitor.interval_ms", cfg.Monitor.IntervalMs),
	)

	s.mcpServer = server.NewMCPServer("execbox", "A secure code execution sandbox server")

	s.registerExecuteCodeTool()
	s.registerValidateCodeTool()
	s.registerGetResourceAlertsTool()

	return s, nil
}

var languageEnum = []string{"python", "javascript", "typescript"}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Validate and execute untrusted code in a sandboxed environment",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        languageEnum,
				},
				"inputs": map[string]any{
					"type":        "array",
					"description": "Lines fed to the program's standard input (optional)",
					"items":       map[string]any{"type": "string"},
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerValidateCodeTool() {
	tool := mcp.Tool{
		Name:        "validate_code",
		Description: "Statically validate code and report its risk level without executing it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        languageEnum,
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidateCode)
}

func (s *MCPServer) registerGetResourceAlertsTool() {
	tool := mcp.Tool{
		Name:        "get_resource_alerts",
		Description: "Return the resource alerts and state recorded for a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier returned by execute_code",
				},
			},
			Required: []string{"session_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetResourceAlerts)
}

// executeResponse is the JSON payload returned by execute_code.
type executeResponse struct {
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Success   bool              `json:"success"`
	Output    string            `json:"output"`
	Error     string            `json:"error,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
	Bindings  map[string]string `json:"bindings,omitempty"`
	Report    *validator.Report `json:"validation,omitempty"`
	Metrics   sandbox.Metrics   `json:"metrics"`
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	inputs := request.GetStringSlice("inputs", nil)

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Int("code_len", len(code)))

	result, err := s.executor.Execute(ctx, sandbox.Request{
		Language: language,
		Code:     code,
		Inputs:   inputs,
	})
	if err != nil && !errors.Is(err, sandbox.ErrValidationRejected) {
		s.logger.Error("execution failed",
			zap.Error(err),
			zap.String("language", language),
			zap.String("session_id", result.SessionID))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	resp := executeResponse{
		SessionID: result.SessionID,
		State:     result.State.String(),
		Success:   result.Success,
		Output:    result.Output,
		Error:     result.Error,
		Truncated: result.Truncated,
		Bindings:  result.Bindings,
		Report:    result.Report,
		Metrics:   result.Metrics,
	}
	return jsonResult(resp)
}

func (s *MCPServer) handleValidateCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	report, err := s.validator.Validate(code, language, s.defaults)
	if err != nil {
		return errorResult(fmt.Sprintf("Validation failed: %v", err)), nil
	}
	return jsonResult(report)
}

// alertsResponse is the JSON payload returned by get_resource_alerts.
type alertsResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Alerts    []monitor.Alert `json:"alerts"`
}

func (s *MCPServer) handleGetResourceAlerts(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	sess := s.executor.Session(sessionID)
	if sess == nil {
		return errorResult(fmt.Sprintf("unknown session: %s", sessionID)), nil
	}

	resp := alertsResponse{
		SessionID: sessionID,
		State:     sess.State().String(),
		Alerts:    s.alerts.Alerts(sessionID),
	}
	if resp.Alerts == nil {
		resp.Alerts = []monitor.Alert{}
	}
	return jsonResult(resp)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
