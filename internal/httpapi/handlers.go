package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/erauner12/bucketsync/internal/auth"
	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type readyResponse struct {
	Status           string `json:"status"`
	SyncRulesVersion int32  `json:"sync_rules_version"`
}

// handleReadyz reports whether the service can serve sync streams: storage
// reachable and an active sync rules version to sync from.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.ActiveVersion(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v == nil {
		writeError(w, r, errcode.New(errcode.CodeNoActiveSyncRules,
			"no active sync rules version"))
		return
	}
	writeJSON(w, r, http.StatusOK, readyResponse{Status: "ready", SyncRulesVersion: v.ID})
}

type writeCheckpointRequest struct {
	ClientID string `json:"client_id"`
}

type writeCheckpointResponse struct {
	WriteCheckpoint oplog.OpID `json:"write_checkpoint"`
}

// handleWriteCheckpoint records the caller's current write position. The
// client holds local writes as pending until a checkpoint line reports this
// sequence number, which means replication has caught up with everything the
// client uploaded before calling here.
func (s *Server) handleWriteCheckpoint(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromContext(r.Context())

	var req writeCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, errcode.Newf(errcode.CodeInvalidRequest,
			"invalid write checkpoint request: %v", err))
		return
	}
	if req.ClientID == "" {
		req.ClientID = r.URL.Query().Get("client_id")
	}

	seq, err := s.store.CreateWriteCheckpoint(r.Context(), token.UserID, req.ClientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, writeCheckpointResponse{WriteCheckpoint: oplog.OpID(seq)})
}

type versionStatus struct {
	ID                int32       `json:"id"`
	State             rules.State `json:"state"`
	SnapshotDone      bool        `json:"snapshot_done"`
	LastCheckpoint    oplog.OpID  `json:"last_checkpoint"`
	LastCheckpointLSN string      `json:"last_checkpoint_lsn,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type rulesStatusResponse struct {
	ActiveID *int32          `json:"active_id,omitempty"`
	Versions []versionStatus `json:"versions"`
}

// handleRulesStatus lists deployed sync rules versions with their replication
// progress, newest first.
func (s *Server) handleRulesStatus(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := rulesStatusResponse{Versions: make([]versionStatus, 0, len(versions))}
	for _, v := range versions {
		if v.State == rules.StateActive {
			id := v.ID
			resp.ActiveID = &id
		}
		resp.Versions = append(resp.Versions, versionStatus{
			ID:                v.ID,
			State:             v.State,
			SnapshotDone:      v.SnapshotDone,
			LastCheckpoint:    oplog.OpID(v.LastCheckpoint),
			LastCheckpointLSN: v.LastCheckpointLSN,
			UpdatedAt:         v.UpdatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}
