package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
	"github.com/ajitpratap0/mcp-control-plane/pkg/session"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

// dispatch runs one request through the pipeline: handshake, session and
// auth checks, admission, routing and accounting.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	info, ok := transport.RequestInfoFromContext(ctx)
	if !ok {
		info = transport.NewRequestInfo(s.config.Transport.Kind, "")
		ctx = transport.ContextWithRequestInfo(ctx, info)
	}

	// The monitor sees only requests that got past admission.
	var monitorID string
	admitted := func(sessionID string) {
		if s.monitor != nil {
			monitorID = s.monitor.RecordRequestStart(req, sessionID)
		}
	}
	start := s.now()

	result, err := s.handle(ctx, info, req, admitted)

	var resp *protocol.Response
	if err == nil {
		resp, err = protocol.NewResponse(req.ID, result)
		if err != nil {
			err = mcperrors.InternalError(err)
		}
	}
	if err != nil {
		s.logFailure(req, info.SessionID(), err)
		resp = protocol.ErrorResponse(req.ID, err)
	}

	if monitorID != "" {
		s.monitor.RecordRequestEnd(monitorID, resp, err)
	}
	s.stats.record(req.Method, s.now().Sub(start), resp)
	return resp
}

func (s *Server) handle(ctx context.Context, info *transport.RequestInfo, req *protocol.Request, admitted func(sessionID string)) (interface{}, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		admitted(info.SessionID())
		return s.initialize(ctx, info, req)
	case protocol.MethodInitialized, protocol.MethodNotificationsInitialized:
		admitted(info.SessionID())
		s.sessions.UpdateActivity(info.SessionID())
		return nil, nil
	}

	sess, err := s.currentSession(info)
	if err != nil {
		return nil, err
	}
	s.sessions.UpdateActivity(sess.ID)

	if err := s.checkPrincipal(sess); err != nil {
		return nil, err
	}

	if s.balancer != nil {
		if err := s.balancer.Admit(sess.ID); err != nil {
			s.recordRejection(err)
			return nil, err
		}
		release, err := s.balancer.Acquire(ctx, sess.ID)
		if err != nil {
			s.recordRejection(err)
			return nil, err
		}
		defer release()

		admitted(sess.ID)
		ticket := s.balancer.RecordRequestStart(sess.ID)
		result, err := s.route(ctx, req, sess)
		s.balancer.RecordRequestEnd(ticket, nil, err)
		return result, err
	}
	admitted(sess.ID)
	return s.route(ctx, req, sess)
}

// currentSession resolves the connection's session. An unknown, expired or
// uninitialized session is reported as not initialized.
func (s *Server) currentSession(info *transport.RequestInfo) (*session.Session, error) {
	id := info.SessionID()
	if id == "" {
		return nil, mcperrors.NotInitialized()
	}
	sess, ok := s.sessions.GetSession(id)
	if !ok || !sess.IsInitialized {
		return nil, mcperrors.NotInitialized()
	}
	return sess, nil
}

// checkPrincipal rejects sessions whose credentials are missing, expired or
// revoked. It is a no-op with authentication disabled.
func (s *Server) checkPrincipal(sess *session.Session) error {
	if !s.auth.Enabled() {
		return nil
	}
	p := sess.AuthData
	if !sess.Authenticated || p == nil {
		return mcperrors.AuthenticationRequired()
	}
	if !p.ExpiresAt.IsZero() && !s.now().Before(p.ExpiresAt) {
		s.metrics.RecordAuthFailure(p.Method)
		return mcperrors.AuthenticationFailed(p.Method, "credentials expired")
	}
	if p.Token != "" && s.auth.IsRevoked(p.Token) {
		s.metrics.RecordAuthFailure(p.Method)
		return mcperrors.AuthenticationFailed(p.Method, "token revoked")
	}
	return nil
}

// route hands the request to the router under the request timeout. A
// handler still running at the deadline is left to observe its canceled
// context.
func (s *Server) route(ctx context.Context, req *protocol.Request, sess *session.Session) (interface{}, error) {
	tc := &tools.Context{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
		Logger:          s.logger.WithFields(logging.SessionID(sess.ID)),
	}
	if s.auth.Enabled() {
		tc.Principal = sess.AuthData
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Request handler panicked",
					logging.String("method", req.Method),
					logging.Any("panic", r),
				)
				done <- outcome{err: mcperrors.InternalError(nil)}
			}
		}()
		result, err := s.router.Route(ctx, req, tc)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) {
			return nil, mcperrors.RequestTimeout(req.Method, s.config.RequestTimeout)
		}
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, mcperrors.RequestTimeout(req.Method, s.config.RequestTimeout)
		}
		return nil, mcperrors.WrapError(ctx.Err(), mcperrors.CodeRequestTimeout, "request canceled")
	}
}

// initialize performs the handshake: version negotiation, session creation
// or reuse, then authentication. A session created here is discarded when
// any step fails.
func (s *Server) initialize(ctx context.Context, info *transport.RequestInfo, req *protocol.Request) (interface{}, error) {
	var params protocol.InitializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	if params.ProtocolVersion.IsZero() {
		return nil, mcperrors.InvalidParams("protocolVersion is required")
	}

	negotiated, err := s.protocol.Negotiate(&params)
	if err != nil {
		return nil, err
	}

	sess, created, err := s.sessionForInitialize(info)
	if err != nil {
		return nil, err
	}
	discard := func() {
		if created {
			s.sessions.RemoveSession(sess.ID)
		}
	}

	// A reused session keeps its negotiated state until the caller has
	// authenticated.
	creds := credentials(params.Credentials, info.Authorization)
	if _, err := s.sessions.AuthenticateSession(ctx, sess.ID, creds); err != nil {
		s.metrics.RecordAuthFailure(s.auth.Method())
		discard()
		return nil, err
	}

	params.ProtocolVersion = negotiated.AgreedVersion
	params.Capabilities = negotiated.AgreedCapabilities
	if err := s.sessions.InitializeSession(sess.ID, &params); err != nil {
		discard()
		return nil, err
	}

	info.SetSessionID(sess.ID)
	s.metrics.RecordSessionEvent("initialized")
	s.metrics.SetActiveSessions(s.sessions.Count())

	s.logger.Info("Session initialized",
		logging.SessionID(sess.ID),
		logging.String("client", params.ClientInfo.Name),
		logging.String("protocolVersion", negotiated.AgreedVersion.String()),
		logging.Bool("reused", !created),
	)

	return &protocol.InitializeResult{
		ProtocolVersion: negotiated.AgreedVersion,
		Capabilities:    negotiated.AgreedCapabilities,
		ServerInfo: protocol.ServerInfo{
			Name:    s.config.Name,
			Version: s.config.Version,
		},
		Instructions: s.config.Instructions,
		SessionID:    sess.ID,
		Warnings:     negotiated.Warnings,
		Limitations:  negotiated.Limitations,
	}, nil
}

// sessionForInitialize returns the connection's live session for a
// re-initialize, or a new one.
func (s *Server) sessionForInitialize(info *transport.RequestInfo) (*session.Session, bool, error) {
	if id := info.SessionID(); id != "" {
		if sess, ok := s.sessions.GetSession(id); ok {
			return sess, false, nil
		}
	}
	kind := session.TransportKind(info.Kind)
	if kind == "" {
		kind = session.TransportKind(s.config.Transport.Kind)
	}
	sess, err := s.sessions.CreateSession(kind)
	if err != nil {
		return nil, false, err
	}
	s.metrics.RecordSessionEvent("created")
	return sess, true, nil
}

// credentials prefers explicit handshake credentials over the transport's
// Authorization header.
func credentials(c *protocol.Credentials, authorization string) auth.Credentials {
	if c != nil && !c.IsEmpty() {
		return auth.Credentials{
			Token:         c.Token,
			Authorization: c.Authorization,
			Username:      c.Username,
			Password:      c.Password,
		}
	}
	return auth.Credentials{Authorization: authorization}
}

func (s *Server) recordRejection(err error) {
	reason := "unknown"
	if e, ok := mcperrors.AsMCPError(err); ok {
		if data, ok := e.Data().(*mcperrors.AdmissionErrorData); ok {
			reason = data.Reason
		}
	}
	s.metrics.RecordRejection(reason)
}

func (s *Server) logFailure(req *protocol.Request, sessionID string, err error) {
	fields := []logging.Field{
		logging.String("method", req.Method),
		logging.SessionID(sessionID),
		logging.ErrorField(err),
	}
	e, ok := mcperrors.AsMCPError(err)
	if !ok || e.Code() == mcperrors.CodeInternalError {
		s.logger.Error("Request failed", fields...)
		return
	}
	s.logger.Debug("Request rejected", append(fields, logging.Int("code", e.Code()))...)
}

// requestStats aggregates per-server request counters.
type requestStats struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	totalDuration time.Duration
	errorsByCode  map[int]int64
	byMethod      map[string]int64
}

func (r *requestStats) record(method string, elapsed time.Duration, resp *protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errorsByCode == nil {
		r.errorsByCode = make(map[int]int64)
		r.byMethod = make(map[string]int64)
	}
	r.total++
	r.totalDuration += elapsed
	r.byMethod[method]++
	if resp != nil && resp.Error != nil {
		r.failed++
		r.errorsByCode[int(resp.Error.Code)]++
		return
	}
	r.successful++
}
