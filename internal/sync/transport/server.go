package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/snappy"

	"github.com/kimhsiao/nodesync/internal/crypto"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
)

// DefaultMaxBodyBytes bounds a push body after decompression.
const DefaultMaxBodyBytes int64 = 8 << 20

// Receiver processes authenticated traffic. The engine implements it.
type Receiver interface {
	// Receive processes a batch and returns one result per entry, in order.
	Receive(ctx context.Context, b *Batch) []EventResult
	// HandleHeartbeat records a peer advertisement and returns the local record.
	HandleHeartbeat(ctx context.Context, peer *models.SyncNode) (*models.SyncNode, error)
	// HandleLeave records that a peer announced its departure.
	HandleLeave(ctx context.Context, nodeID string) error
	Status(ctx context.Context) (interface{}, error)
	Compatibility(ctx context.Context) (schema.Report, error)
}

// SchemaGate classifies a peer's schema identity.
type SchemaGate interface {
	Check(peer schema.Identity) schema.Result
}

// IncompatibleFunc is notified when a push is refused by the schema gate.
type IncompatibleFunc func(nodeID string, res schema.Result)

// ServerOptions configures a Server.
type ServerOptions struct {
	// AuthHash is the registration hash every request must present.
	AuthHash     string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Stream serves the operational WebSocket, if set.
	Stream http.Handler
	// Admin is mounted under /api/sync/admin behind the same authentication.
	Admin          http.Handler
	OnIncompatible IncompatibleFunc
}

// Server is the HTTP side of the sync transport.
type Server struct {
	recv   Receiver
	gate   SchemaGate
	opts   ServerOptions
	now    func() time.Time
	router chi.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(recv Receiver, gate SchemaGate, opts ServerOptions) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{recv: recv, gate: gate, opts: opts, now: time.Now}

	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Route("/api/sync", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/events", s.handleEvents)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/leave", s.handleLeave)
		r.Get("/status", s.handleStatus)
		r.Get("/compatibility", s.handleCompatibility)
		if opts.Stream != nil {
			r.Handle("/ws", opts.Stream)
		}
		if opts.Admin != nil {
			r.Mount("/admin", opts.Admin)
		}
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	logging.Info("Sync transport listening", map[string]interface{}{"address": ln.Addr().String()})
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// =====================================================
// Middleware
// =====================================================

// authenticate rejects requests without a valid registration hash before
// the body is read.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.Header.Get(HeaderNodeID)
		if nodeID == "" || !crypto.VerifyRegistration(r.Header.Get(HeaderAuth), s.opts.AuthHash) {
			logging.Warn("Rejected unauthenticated sync request", map[string]interface{}{
				"path":   r.URL.Path,
				"node":   nodeID,
				"remote": r.RemoteAddr,
			})
			writeError(w, http.StatusUnauthorized, apperrors.New(apperrors.ErrSyncAuthFailed, "authentication failed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from := r.Header.Get(HeaderNodeID)
	peer := schema.Identity{
		Version:       r.Header.Get(HeaderSchemaVersion),
		Hash:          r.Header.Get(HeaderSchemaHash),
		MigrationName: r.Header.Get(HeaderSchemaMigration),
	}
	if res := s.gate.Check(peer); !res.Status.Syncable() {
		logging.Warn("Rejected push from incompatible peer", map[string]interface{}{
			"peer":   from,
			"status": string(res.Status),
			"reason": res.Reason,
		})
		if s.opts.OnIncompatible != nil {
			s.opts.OnIncompatible(from, res)
		}
		err := apperrors.New(apperrors.ErrSyncSchemaIncompatible, "schema incompatible")
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:  err.Error(),
			Code:   string(err.Code),
			Status: string(res.Status),
			Reason: res.Reason,
		})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	req, inbound, err := decodeBatch(body, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get(HeaderSession)
	}
	results := s.recv.Receive(r.Context(), &Batch{
		From:      from,
		SessionID: sessionID,
		Bytes:     len(body),
		Events:    inbound,
	})
	writeJSON(w, http.StatusOK, NewPushResponse(results))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var peer models.SyncNode
	if err := json.Unmarshal(body, &peer); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Wrap(apperrors.ErrInvalid, "malformed peer record", err))
		return
	}
	if peer.NodeID != r.Header.Get(HeaderNodeID) {
		writeError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrInvalid, "peer record does not match node header"))
		return
	}
	if peer.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			peer.IPAddress = host
		}
	}

	self, err := s.recv.HandleHeartbeat(r.Context(), &peer)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, self)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.recv.HandleLeave(r.Context(), r.Header.Get(HeaderNodeID)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.recv.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCompatibility(w http.ResponseWriter, r *http.Request) {
	report, err := s.recv.Compatibility(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// readBody reads the request body within the size limit, undoing snappy
// compression when announced.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.opts.MaxBodyBytes
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.Newf(apperrors.ErrValidation, "body exceeds %d bytes", limit)
		}
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read body", err)
	}
	if r.Header.Get("Content-Encoding") != EncodingSnappy {
		return raw, nil
	}

	n, err := snappy.DecodedLen(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "corrupt snappy body", err)
	}
	if int64(n) > limit {
		return nil, apperrors.Newf(apperrors.ErrValidation, "decoded body exceeds %d bytes", limit)
	}
	body, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "corrupt snappy body", err)
	}
	return body, nil
}

func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrValidation:
		return http.StatusRequestEntityTooLarge
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncAuthFailed:
		return http.StatusUnauthorized
	case apperrors.ErrSyncSchemaIncompatible:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  string(apperrors.CodeOf(err)),
	})
}
