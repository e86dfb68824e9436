package handlers

import (
	"net/http"
	"strings"

	"transport-backend/internal/api/middleware"
	"transport-backend/internal/websocket"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type upgraderProvider interface {
	GetUpgrader() *gws.Upgrader
}

// WebSocketHandler upgrades tracking viewers onto the push channel
type WebSocketHandler struct {
	manager websocket.WebSocketManager
	log     logrus.FieldLogger
}

func NewWebSocketHandler(manager websocket.WebSocketManager, log logrus.FieldLogger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		log:     log.WithField("component", "websocket_handler"),
	}
}

// HandleWebSocket subscribes the caller to the sessions in ?session_ids=a,b.
// Without session_ids the caller follows every session, which only admins may do.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		utils.ErrorResponse(c, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	sub := websocket.Subscription{SessionIDs: parseSessionIDs(c.QueryArray("session_ids"))}
	if sub.All() && !caller.IsAdmin() {
		utils.ErrorResponse(c, apperrors.New(apperrors.CodeForbidden, "session_ids is required"))
		return
	}

	provider, ok := h.manager.(upgraderProvider)
	if !ok {
		utils.ErrorResponse(c, apperrors.New(apperrors.CodeInternal, "push channel unavailable"))
		return
	}

	conn, err := provider.GetUpgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	clientID, err := h.manager.RegisterClient(conn, caller, sub)
	if err != nil {
		h.log.WithError(err).WithField("user_id", caller.UserID).Warn("websocket client not registered")
		_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseTryAgainLater, "unavailable"))
		conn.Close()
		return
	}

	h.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"user_id":   caller.UserID,
		"sessions":  len(sub.SessionIDs),
	}).Info("websocket client connected")
}

// parseSessionIDs accepts both ?session_ids=a,b and repeated parameters.
func parseSessionIDs(values []string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// DisconnectClient drops a push client by ID.
func (h *WebSocketHandler) DisconnectClient(c *gin.Context) {
	if err := h.manager.UnregisterClient(c.Param("clientId")); err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Client disconnected successfully", nil)
}
