// Package mcp serves the worker-facing tool surface over the Model Context
// Protocol (github.com/modelcontextprotocol/go-sdk/mcp).
//
// Out-of-process agents use it to claim and finish queued tasks, search and
// store memories, propose artifacts to the state scribe and read phase
// state. Text returned to clients is scrubbed for secrets.
package mcp
