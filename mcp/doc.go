// Package mcp implements the client side of the Model Context Protocol: per-provider connections with the initialize handshake and capability discovery, and a manager that aggregates and routes tool calls across providers.
package mcp
