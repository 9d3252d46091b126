package handler

import (
	"net/http"
	"strconv"

	"github.com/hitoshi/inboxsync/internal/middleware"
	"github.com/hitoshi/inboxsync/internal/model"
)

// SyncHandler はReplicacheのpush/pullエンドポイント。
type SyncHandler struct {
	service SyncService
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// Push はクライアントのミューテーションを適用する。
// POST /api/replicache/push
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("unauthenticated request"))
		return
	}

	var req model.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Push(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pull はカーソル以降の変更を返す。
// POST /api/replicache/pull（JSONボディ）
// GET /api/replicache/pull?sinceVersion=N&clientGroupId=G
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("unauthenticated request"))
		return
	}

	var req model.PullRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if raw := q.Get("sinceVersion"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("sinceVersion must be an integer"))
				return
			}
			req.SinceVersion = v
		}
		req.ClientGroupID = q.Get("clientGroupId")
	} else if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Pull(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
