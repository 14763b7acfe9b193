package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankaios-agent/pkg/authz"
	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// SupportedProtocolVersion is the only control-interface version this
// gateway accepts in a workload's Hello.
const SupportedProtocolVersion = "0.1"

const (
	writeBufferFullTimeout = 500 * time.Millisecond
	writeRetryAttempts     = 5
	writeRetryInterval     = 100 * time.Millisecond
)

// ServerSender forwards an already id-rewritten request to the server
// link. Kept as a narrow interface so this package doesn't depend on
// pkg/serverlink.
type ServerSender interface {
	SendRequest(agentName string, req controlapi.ToAnkaios) error
}

// session is the state for one workload's control-interface FIFO pair.
type session struct {
	instanceName string
	access       *types.ControlInterfaceAccess
	output       io.ReadCloser // gateway reads workload requests from here
	input        io.WriteCloser // gateway writes workload responses to here
	writeCh      chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	log          zerolog.Logger
}

// Gateway owns every live workload session and routes server responses
// back to the session that originated the request.
type Gateway struct {
	agentName string
	authz     *authz.Authorizer
	sender    ServerSender

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Gateway that forwards authorized requests via sender.
func New(agentName string, sender ServerSender) *Gateway {
	return &Gateway{
		agentName: agentName,
		authz:     authz.New(),
		sender:    sender,
		sessions:  make(map[string]*session),
	}
}

// Register opens a new session for instanceName and starts its reader
// and writer tasks. access may be nil, in which case every request
// except a LogsCancelRequest is denied (absence of rules denies
// everything else, §4.6; log cancellation is always allowed).
func (g *Gateway) Register(instanceName string, access *types.ControlInterfaceAccess, output io.ReadCloser, input io.WriteCloser) {
	s := &session{
		instanceName: instanceName,
		access:       access,
		output:       output,
		input:        input,
		writeCh:      make(chan []byte, 16),
		done:         make(chan struct{}),
		log:          log.WithWorkload(instanceName),
	}

	g.mu.Lock()
	g.sessions[instanceName] = s
	g.mu.Unlock()
	metrics.GatewayActiveHandles.Inc()

	go g.writerLoop(s)
	go g.readerLoop(s)
}

// Unregister tears down instanceName's session, if any.
func (g *Gateway) Unregister(instanceName string) {
	g.mu.Lock()
	s, ok := g.sessions[instanceName]
	if ok {
		delete(g.sessions, instanceName)
	}
	g.mu.Unlock()
	if ok {
		s.close()
		metrics.GatewayActiveHandles.Dec()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.output.Close()
		_ = s.input.Close()
	})
}

// readerLoop implements the handshake and request-handling steps of
// §4.5.
func (g *Gateway) readerLoop(s *session) {
	defer s.close()
	r := bufio.NewReader(s.output)

	helloFrame, err := controlapi.ReadFrame(r)
	if err != nil {
		s.log.Debug().Err(err).Msg("control interface: no hello received")
		return
	}
	hello, err := controlapi.UnmarshalHello(helloFrame)
	if err != nil || hello.Version != SupportedProtocolVersion {
		s.log.Warn().Str("version", hello.Version).Msg("control interface: incompatible hello")
		g.sendClosed(s, "incompatible or malformed hello")
		return
	}

	for {
		frame, err := controlapi.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("control interface: read failed")
			}
			return
		}
		req, err := controlapi.UnmarshalToAnkaios(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("control interface: malformed request")
			continue
		}
		g.handleRequest(s, req)
	}
}

func (g *Gateway) handleRequest(s *session, req controlapi.ToAnkaios) {
	if !g.authorize(s, req) {
		metrics.GatewayAuthorizationDeniedTotal.WithLabelValues(s.instanceName).Inc()
		metrics.GatewayRequestsTotal.WithLabelValues(s.instanceName, "denied").Inc()
		g.sendError(s, req.RequestID, "access denied")
		return
	}

	serverReq := req
	serverReq.RequestID = controlapi.RewriteRequestIDToServer(s.instanceName, req.RequestID)
	if err := g.sender.SendRequest(g.agentName, serverReq); err != nil {
		s.log.Warn().Err(err).Msg("control interface: forward to server failed")
		metrics.GatewayRequestsTotal.WithLabelValues(s.instanceName, "error").Inc()
		g.sendError(s, req.RequestID, "server unavailable")
		return
	}
	metrics.GatewayRequestsTotal.WithLabelValues(s.instanceName, "forwarded").Inc()
}

func (g *Gateway) authorize(s *session, req controlapi.ToAnkaios) bool {
	switch req.Kind {
	case controlapi.ToAnkaiosReadState:
		return g.authz.AuthorizeState(s.access, types.OperationRead, req.FieldMasks)
	case controlapi.ToAnkaiosWriteState:
		return g.authz.AuthorizeState(s.access, types.OperationWrite, req.FieldMasks)
	case controlapi.ToAnkaiosLogsRequest:
		return g.authz.AuthorizeLogs(s.access, req.WorkloadNames)
	case controlapi.ToAnkaiosLogsCancelRequest:
		return true
	default:
		return false
	}
}

func (g *Gateway) sendError(s *session, requestID, message string) {
	resp := controlapi.FromAnkaios{
		Kind:         controlapi.FromAnkaiosError,
		RequestID:    requestID,
		ErrorMessage: message,
	}
	s.enqueue(resp.Marshal())
}

func (g *Gateway) sendClosed(s *session, reason string) {
	resp := controlapi.FromAnkaios{
		Kind:        controlapi.FromAnkaiosConnectionClosed,
		CloseReason: reason,
	}
	// Written directly: readerLoop closes the session right after this
	// returns, which would stop the writer task before it drained a
	// queued frame.
	_ = writeFrameWithPolicy(s.input, resp.Marshal())
}

// Dispatch routes a FromServer message of kind Response back to the
// originating session, per §4.5's response-handling steps.
func (g *Gateway) Dispatch(resp controlapi.FromServer) {
	if resp.Kind != controlapi.FromServerResponse {
		return
	}
	inner, err := controlapi.UnmarshalFromAnkaios(resp.Response)
	if err != nil {
		return
	}
	workloadName, original, ok := controlapi.SplitServerRequestID(inner.RequestID)
	if !ok {
		return
	}
	inner.RequestID = original

	g.mu.RLock()
	s, found := g.sessions[workloadName]
	g.mu.RUnlock()
	if !found {
		return
	}
	s.enqueue(inner.Marshal())
}

// enqueue hands payload to the session's writer task, dropping it if
// the session is already shutting down.
func (s *session) enqueue(payload []byte) {
	select {
	case s.writeCh <- payload:
	case <-s.done:
	}
}

// writerLoop drains writeCh into the input FIFO applying the two write
// policies from §4.5. It also must always be draining; a blocked
// writer would back up every other workload's dispatch.
func (g *Gateway) writerLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.writeCh:
			if err := writeFrameWithPolicy(s.input, payload); err != nil {
				s.log.Warn().Err(err).Msg("control interface: declaring workload gone")
				s.close()
				return
			}
		}
	}
}

// writeFrameWithPolicy writes one length-delimited frame to w, treating
// the workload as gone if the write makes no progress within 500ms, or
// retrying up to 5 times at 100ms intervals if the reader end is
// closed.
func writeFrameWithPolicy(w io.Writer, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= writeRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryInterval)
		}
		resultCh := make(chan error, 1)
		go func() { resultCh <- controlapi.WriteFrame(w, payload) }()

		select {
		case err := <-resultCh:
			if err == nil {
				return nil
			}
			lastErr = err
			if !isClosedPipeError(err) {
				return err
			}
		case <-time.After(writeBufferFullTimeout):
			return fmt.Errorf("control interface: write buffer full after %s", writeBufferFullTimeout)
		}
	}
	return fmt.Errorf("control interface: reader end closed after %d retries: %w", writeRetryAttempts, lastErr)
}

func isClosedPipeError(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
