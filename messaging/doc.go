// Package messaging implements the protocol kernel: the Transport contract,
// the Client and Server endpoints, the connection lifecycle state machine
// with heartbeat monitoring and backoff reconnection, server-side client
// registry and liveness sweep, and subscription bookkeeping with
// post-reconnect replay.
//
// Middleware phases map onto the kernel as follows: the client runs
// beforeRequest on outgoing request payloads and afterResponse on received
// responses; the server runs afterRequest on received requests and
// beforeResponse on outgoing responses; beforeEvent runs on the emitting
// side and beforeEventHandler/afterEventHandler bracket local handler
// dispatch on the receiving side.
package messaging
