// Package mcp exposes fixd over the Model Context Protocol.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the scanner, mission controller, diagnostic machine, auditor and
// root cause engine directly. Artifacts are passed inline or read from a
// project directory.
package mcp
