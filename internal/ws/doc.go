// Package ws is the WebSocket edge of the realtime backbone.
//
// The package implements:
//   - Client: a gorilla/websocket connection exposed as a model.Transport,
//     with a buffered send queue drained by a single write pump and a read
//     pump that enforces ping/pong deadlines
//   - Handler: authenticates the request, upgrades it, registers the
//     connection with the session registry, answers inbound pings and tears
//     the session down when the socket ends
//
// Slow clients are closed with code 1013 once their send queue fills, so a
// stuck browser never blocks agent execution.
package ws
