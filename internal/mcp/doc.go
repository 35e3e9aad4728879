// Package mcp exposes the project registry as Model Context Protocol tools.
//
// The server is built on the official MCP SDK and is served over the
// streamable HTTP transport at /mcp by the devpilot HTTP server. Tools:
//
//   - start_development: start a development loop for a command
//   - project_status: full record of one project
//   - list_projects: every stored project plus the active set
//   - stop_project: signal a loop to stop at its next phase boundary
package mcp
