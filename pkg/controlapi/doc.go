// Package controlapi defines the wire protocol used on two distinct
// duplex channels: the per-workload control-interface FIFO pair
// (Hello, ToAnkaios, FromAnkaios) and the agent-to-server link
// (ToServer, FromServer). Both share the same length-delimited framing
// (WriteFrame/ReadFrame) and the same hand-rolled field encoding in
// wire.go. Request ids crossing from a workload into the server link
// are prefixed with the workload name (RewriteRequestIDToServer) so a
// response can be routed back to the right FIFO (SplitServerRequestID).
package controlapi
