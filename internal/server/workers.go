package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/pkg/cerr"
)

type createWorkerRequest struct {
	Name           string `json:"name,omitempty"`
	Issue          string `json:"issue,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Workflow       string `json:"workflow,omitempty"`
	FreePrompt     string `json:"free_prompt,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	// Worktree adopts an existing checkout instead of provisioning one.
	Worktree string `json:"worktree,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

type continueWorkerRequest struct {
	Prompt         string `json:"prompt"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

type renameWorkerRequest struct {
	Name string `json:"name"`
}

type workerListResponse struct {
	Workers []worker.Snapshot `json:"workers"`
}

type workerLogsResponse struct {
	Logs []string `json:"logs"`
}

type workerSessionsResponse struct {
	Sessions []session.History `json:"sessions"`
}

type worktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

type worktreeListResponse struct {
	Worktrees []worktreeInfo `json:"worktrees"`
}

type statusResponse struct {
	Status string `json:"status"`
}

var okResponse = statusResponse{Status: "ok"}

func workerIDFromRequest(r *http.Request) (worker.ID, error) {
	raw := chi.URLParam(r, "workerID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid worker id %q", raw), err)
	}
	return worker.ID(id), nil
}

func decodeJSONBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleListWorkers(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshots := s.orch.List()
	cerr.SetJSONResponse(ctx, workerListResponse{Workers: snapshots})
}

func (s *Server) handleCreateWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createWorkerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	createReq := worker.CreateRequest{
		Name:           req.Name,
		Issue:          req.Issue,
		Agent:          req.Agent,
		Workflow:       req.Workflow,
		FreePrompt:     req.FreePrompt,
		PermissionMode: req.PermissionMode,
	}
	if req.Worktree != "" {
		createReq.ExistingCheckout = &worker.Checkout{Path: req.Worktree, Branch: req.Branch}
	}
	snapshot, err := s.orch.Create(createReq)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snapshot)
}

func (s *Server) handleInspectWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	inspection := s.orch.Inspect(id)
	if inspection == nil {
		cerr.SetNewJSONError(ctx, cerr.NotFound, fmt.Sprintf("worker %d not found", id), nil)
		return
	}
	cerr.SetJSONResponse(ctx, inspection.Snapshot)
}

func (s *Server) handleDeleteWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.orch.Delete(id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleWorkerLogs(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	inspection := s.orch.Inspect(id)
	if inspection == nil {
		cerr.SetNewJSONError(ctx, cerr.NotFound, fmt.Sprintf("worker %d not found", id), nil)
		return
	}
	cerr.SetJSONResponse(ctx, workerLogsResponse{Logs: inspection.Logs})
}

func (s *Server) handleWorkerSessions(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	inspection := s.orch.Inspect(id)
	if inspection == nil {
		cerr.SetNewJSONError(ctx, cerr.NotFound, fmt.Sprintf("worker %d not found", id), nil)
		return
	}
	cerr.SetJSONResponse(ctx, workerSessionsResponse{Sessions: inspection.SessionHistory})
}

func (s *Server) handleRestartWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.orch.Restart(id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleContinueWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req continueWorkerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.orch.Continue(id, req.Prompt, req.PermissionMode); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleRenameWorker(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req renameWorkerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.orch.Rename(id, req.Name); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleRespondPermission(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := workerIDFromRequest(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	requestID, err := strconv.ParseUint(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil || requestID == 0 {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid permission request id", err)
		return
	}
	var decision worker.PermissionDecision
	if err := decodeJSONBody(r, &decision); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.orch.RespondPermission(id, requestID, decision); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleListWorktrees(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkouts, err := s.worktrees.List(ctx)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to list worktrees", err)
		return
	}
	infos := make([]worktreeInfo, 0, len(checkouts))
	for _, co := range checkouts {
		infos = append(infos, worktreeInfo{Path: co.Path, Branch: co.Branch})
	}
	cerr.SetJSONResponse(ctx, worktreeListResponse{Worktrees: infos})
}

func (s *Server) handleActionLog(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.store.LoadActionLog(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"actions": entries})
}
