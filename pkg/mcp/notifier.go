package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/streaming"
)

// notificationMethod is the MCP method used for pushed instance events.
const notificationMethod = "notifications/message"

// Notifier pushes instance notifications to the tenant's MCP session.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier over the server's sessions.
func NewNotifier(s *AutoflowServer) *Notifier {
	return &Notifier{mcpServer: s.mcpServer, sessions: s.sessions, logger: s.logger}
}

// Notify sends one event. Best-effort: returns nil if the tenant is not connected.
func (n *Notifier) Notify(_ context.Context, event streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(event.TenantID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  "info",
		"logger": "autoflow",
		"data":   event,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to hub and notifies until ctx is done.
func (n *Notifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			streaming.TypeApprovalRequested,
			streaming.TypeInstanceCompleted,
			streaming.TypeInstanceFailed,
			streaming.TypeInstanceCancelled,
		},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.WarnContext(ctx, "failed to push notification",
					"tenant_id", ev.TenantID, "instance_id", ev.InstanceID, "error", err)
			}
		}
	}
}
