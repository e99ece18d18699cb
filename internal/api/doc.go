// Package api exposes the gateway's REST surface: synchronous and
// streaming chat, session management, provider discovery, knowledge
// base ingestion and querying, plus health and metrics endpoints.
// Streaming replies are relayed as Server-Sent Events.
package api
