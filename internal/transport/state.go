package transport

import "sync"

// HTTPState is the logical upstream session that outlives individual HTTP
// bindings. The session hands the same state to every reconnect so the
// session id and resumption point survive.
type HTTPState struct {
	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string
	lost            bool
}

// NewHTTPState returns an empty state for a fresh upstream session.
func NewHTTPState() *HTTPState { return &HTTPState{} }

// SessionID returns the Mcp-Session-Id assigned by the server, if any.
func (s *HTTPState) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ProtocolVersion returns the version negotiated by initialize, if known.
func (s *HTTPState) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// LastEventID returns the id of the last event seen on any event stream.
func (s *HTTPState) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Lost reports that the server forgot the session and a new handshake is needed.
func (s *HTTPState) Lost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// setSessionID records id and reports whether it changed.
func (s *HTTPState) setSessionID(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.sessionID {
		return false
	}
	s.sessionID = id
	s.lastEventID = ""
	s.lost = false
	return true
}

func (s *HTTPState) setProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

func (s *HTTPState) setLastEventID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// expire forgets the server session after a 404.
func (s *HTTPState) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		s.lost = true
	}
	s.sessionID = ""
	s.lastEventID = ""
}
