// Package mcp implements the client side of the Model Context Protocol (MCP), letting
// programs discover and call the tools of an MCP server. This implementation follows
// the official specification from https://modelcontextprotocol.io/specification/.
//
// A Session owns one connection to a server, opened through a ClientTransport: the
// event-stream (SSEClient), streamable HTTP (StreamableClient), WebSocket
// (WebSocketClient) or stdio (StdIO, CommandTransport) transports. Once connected, a
// ToolCatalog lists the server's tools, an Invoker calls them, and Liveness pings the
// server to check it still answers.
package mcp
