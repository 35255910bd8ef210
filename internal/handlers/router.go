package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Rorqualx/pagepilot/internal/types"
)

// routeCommand validates the envelope and dispatches it. It returns the
// response status for metrics.
func (h *Handler) routeCommand(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) string {
	if err := req.Validate(); err != nil {
		return h.writeError(w, err.Error(), startTime)
	}

	switch req.Cmd {
	case types.CmdPageRun:
		return h.handlePageRun(w, ctx, req, startTime)
	case types.CmdSessionsCreate:
		return h.handleSessionCreate(w, ctx, req, startTime)
	case types.CmdSessionsList:
		return h.handleSessionList(w, startTime)
	case types.CmdSessionsDestroy:
		return h.handleSessionDestroy(w, req, startTime)
	case types.CmdRulesGet:
		return h.handleRulesGet(w, startTime)
	case types.CmdRulesReload:
		return h.handleRulesReload(w, startTime)
	case types.CmdStatsGet:
		return h.handleStatsGet(w, req, startTime)
	}
	// Validate rejects anything else.
	return h.writeError(w, "Unknown command: "+req.Cmd, startTime)
}
