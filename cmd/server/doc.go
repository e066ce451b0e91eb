// Package main is the entry point for the execbox MCP server.
//
// The execbox server implements a secure Model Context Protocol (MCP)
// server that validates and executes untrusted user code (Python,
// JavaScript, TypeScript) in isolated sandboxes. Code is statically
// analyzed and risk-scored before execution, runs under strict resource
// ceilings while a monitor samples its consumption, and is force-terminated
// on breach. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
