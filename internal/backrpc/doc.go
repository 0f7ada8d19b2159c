// Package backrpc implements BackRPC, the bidirectional request/response and
// push protocol used between registry, agents, containers and clients.
//
// # Transport
//
// Each peer pair shares one gRPC bidirectional stream
// (/backrpc.BackRPC/Connect). Every stream message is a
// google.protobuf.BytesValue holding one JSON Frame:
//
//	hello     client -> server, first frame: client id and alive-timeout
//	welcome   server -> client: assigned client id and server id
//	request   either direction: id, method, params
//	response  either direction: id, result or error{code, message}
//	push      either direction: event, payload
//	ping/pong liveness checks sent by the client
//
// # Liveness
//
// Both sides remember when they last received any frame. A tick task sweeps
// the connections; a peer silent beyond its alive-timeout is declared dead,
// its pending requests fail with ErrTimeout and the disconnect hook reports
// timeout=true. The client pings at a third of its alive-timeout.
//
// # Handlers
//
// A HandlerFunc receives (ctx, peer, method, params, send) and must call send
// once. Mux dispatches by method and answers unknown methods with
// ErrUnknownMethod; the connection stays usable. Handler panics become error
// responses.
package backrpc
