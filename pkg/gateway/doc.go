// Package gateway implements the Control-Interface Gateway (§4.5): a
// per-workload duplex FIFO task that decodes ToAnkaios requests,
// authorizes them (pkg/authz), rewrites request ids, and forwards them
// to the server link; and dispatches FromServer responses back to the
// originating workload's input FIFO.
//
// The connection-handling shape (one task per connection, a buffered
// write channel drained by a dedicated writer loop) follows the same
// goroutine-per-connection idiom used elsewhere in this agent.
package gateway
