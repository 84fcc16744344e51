package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/session"
)

func (g *Gateway) registerSessionRoutes() {
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List tracked sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get one session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Clean up a session and its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
	)
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ToolCalls  int       `json:"tool_calls"`
	Commands   int       `json:"commands"`
}

func sessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
		ToolCalls:  s.ToolCalls,
		Commands:   s.Commands,
	}
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	sessions := g.sessions.List()
	out := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = sessionResponse(s)
	}
	return c.OK(out)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	s, ok := g.sessions.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	return c.OK(sessionResponse(s))
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	id := c.Param("id")
	g.logger.Info("http session delete",
		slog.String("user_id", c.GetString("userID")),
		slog.String("session_id", id),
	)

	if err := g.sessions.Cleanup(c.Context(), id); err != nil {
		// Cleanup is best effort; partial failures are logged by the
		// manager and the session record is gone either way.
		g.logger.Error("session cleanup reported errors",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	return c.OK(map[string]string{"status": "deleted"})
}
