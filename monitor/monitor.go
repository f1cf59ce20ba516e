// Package monitor serves a read-only diagnostic feed over a websocket:
// a periodic JSON snapshot of segment metrics and slot diagnostics for
// an external dashboard or log aggregator to consume.
//
// Built in the spirit of the recovery package's per-slot/all-slots
// diagnostic surface: observe-only, no write path.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tidwall/pretty"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/recovery"
)

// Snapshot is one diagnostic frame pushed to connected clients.
type Snapshot struct {
	TimestampNs uint64                    `json:"timestamp_ns"`
	Metrics     header.Metrics            `json:"metrics"`
	Slots       []recovery.SlotDiagnostic `json:"slots"`
}

// Server serves GET /diagnostics as a websocket stream of Snapshot
// frames, polling diag at the given interval.
type Server struct {
	diag     *recovery.Diagnostics
	interval time.Duration
}

// NewServer builds a Server over an already-attached, read-only
// recovery.Diagnostics handle.
func NewServer(diag *recovery.Diagnostics, interval time.Duration) *Server {
	return &Server{diag: diag, interval: interval}
}

// ServeHTTP upgrades the connection and streams Snapshot frames until
// the client disconnects or the request context is canceled.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("monitor: accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeSnapshot(ctx, conn); err != nil {
				log.Printf("monitor: write: %v", err)
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	now := uint64(time.Now().UnixNano())
	snap := Snapshot{
		TimestampNs: now,
		Metrics:     s.diag.Metrics(),
		Slots:       s.diag.DiagnoseAllSlots(now),
	}
	return wsjson.Write(ctx, conn, snap)
}

// PrettyJSON renders v as indented, colorless JSON for log output —
// the same shape recovery CLI-adjacent tooling uses to dump a
// diagnostic without a full struct decode on the reading end.
func PrettyJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return pretty.Pretty(raw), nil
}
