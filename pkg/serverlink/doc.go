// Package serverlink implements the agent's side of the server
// transport named in §6: a Connection abstraction over one bidirectional
// gRPC stream, carrying ToServer/FromServer messages framed with the
// same length-delimited protobuf-wire encoding pkg/controlapi uses for
// the FIFO control interface.
//
// The mTLS dial construction (crypto/tls client certificate plus a CA
// pool, wrapped as grpc/credentials) is generalized to also support an
// explicit insecure mode (§6: exactly one of TLS material or --insecure
// must be chosen at startup).
package serverlink
