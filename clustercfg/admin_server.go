package clustercfg

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultAdminTimeout bounds how long an admin request waits for the node.
const DefaultAdminTimeout = 3 * time.Second

// Membership is the answer to a list-members query.
type Membership struct {
	MemberID       int32    `json:"memberId"`
	LeaderID       int32    `json:"leaderId"`
	ActiveMembers  string   `json:"activeMembers"`
	PassiveMembers string   `json:"passiveMembers"`
	Members        []Member `json:"members"`
}

// Status is a point-in-time view of a node.
type Status struct {
	MemberID       int32  `json:"memberId"`
	Role           string `json:"role"`
	TermID         int64  `json:"termId"`
	LeaderID       int32  `json:"leaderId"`
	CommitPosition int64  `json:"commitPosition"`
	ElectionState  string `json:"electionState,omitempty"`
	Errors         int64  `json:"errors"`
	Snapshots      int64  `json:"snapshots"`
	Terminated     bool   `json:"terminated"`
}

// Controller is the node surface the admin server exposes.
type Controller interface {
	ListMembers(ctx context.Context) (Membership, error)
	AddMember(ctx context.Context, id int32, endpoints string) error
	RemoveMember(ctx context.Context, id int32, passive bool) error
	RequestSnapshot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Abort(ctx context.Context) error
	Offer(ctx context.Context, sessionID int64, payload []byte) (int64, error)
	Status() Status
}

// Server serves the admin and ingress HTTP API of one node.
type Server struct {
	ctrl       Controller
	timeout    time.Duration
	listener   net.Listener
	httpServer *http.Server
}

// NewServer binds listenAddr. Serving starts with Serve.
func NewServer(listenAddr string, ctrl Controller, timeout time.Duration) (*Server, error) {
	if timeout <= 0 {
		timeout = DefaultAdminTimeout
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{ctrl: ctrl, timeout: timeout, listener: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/members", s.handleListMembers)
	mux.HandleFunc("/members/add", s.handleAddMember)
	mux.HandleFunc("/members/remove", s.handleRemoveMember)
	mux.HandleFunc("/snapshot", s.handleAction(ctrl.RequestSnapshot, "snapshot"))
	mux.HandleFunc("/shutdown", s.handleAction(ctrl.Shutdown, "shutdown"))
	mux.HandleFunc("/abort", s.handleAction(ctrl.Abort, "abort"))
	mux.HandleFunc("/ingress", s.handleIngress)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the HTTP server in the background.
func (s *Server) Serve() {
	go func() {
		log.Infof("admin server listening on %s", s.Addr())
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("admin server failed: %v", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type response struct {
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	RequestID  string      `json:"requestId"`
	Membership *Membership `json:"membership,omitempty"`
	Status     *Status     `json:"status,omitempty"`
	Position   int64       `json:"position,omitempty"`
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", resp.RequestID)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, reqID string, err error) {
	code := http.StatusConflict
	if errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, response{Success: false, Error: err.Error(), RequestID: reqID})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(r)

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	membership, err := s.ctrl.ListMembers(ctx)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: reqID, Membership: &membership})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(r)

	var req struct {
		MemberID  int32  `json:"memberId"`
		Endpoints string `json:"endpoints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.MemberID < 0 {
		http.Error(w, "Invalid member ID", http.StatusBadRequest)
		return
	}
	if _, err := ParseEndpoints(req.Endpoints); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.ctrl.AddMember(ctx, req.MemberID, req.Endpoints); err != nil {
		log.Warnf("request %s: add member %d failed: %v", reqID, req.MemberID, err)
		writeError(w, reqID, err)
		return
	}
	log.Infof("request %s: add member %d at %s accepted", reqID, req.MemberID, req.Endpoints)
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: reqID})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(r)

	var req struct {
		MemberID int32 `json:"memberId"`
		Passive  bool  `json:"passive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.MemberID < 0 {
		http.Error(w, "Invalid member ID", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.ctrl.RemoveMember(ctx, req.MemberID, req.Passive); err != nil {
		log.Warnf("request %s: remove member %d failed: %v", reqID, req.MemberID, err)
		writeError(w, reqID, err)
		return
	}
	log.Infof("request %s: remove member %d (passive=%v) accepted", reqID, req.MemberID, req.Passive)
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: reqID})
}

func (s *Server) handleAction(action func(context.Context) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := requestID(r)

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		if err := action(ctx); err != nil {
			log.Warnf("request %s: %s failed: %v", reqID, name, err)
			writeError(w, reqID, err)
			return
		}
		log.Infof("request %s: %s accepted", reqID, name)
		writeJSON(w, http.StatusOK, response{Success: true, RequestID: reqID})
	}
}

func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(r)

	var req struct {
		SessionID int64  `json:"sessionId"`
		Payload   []byte `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	position, err := s.ctrl.Offer(ctx, req.SessionID, req.Payload)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: reqID, Position: position})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.ctrl.Status()
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: requestID(r), Status: &status})
}
