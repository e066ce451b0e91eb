// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the execution pipeline over MCP using the
// mark3labs/mcp-go library. Three tools are registered: execute_code runs
// validated code in a sandbox, validate_code runs static validation on its
// own, and get_resource_alerts returns the resource alerts recorded for a
// session. The server speaks stdio or streamable HTTP, selected by
// configuration.
package mcpserver
