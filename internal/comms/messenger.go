package comms

import (
	"context"
	"log/slog"

	"github.com/semabot/semabot/internal/format"
)

// reply sends markdown text to a room as a plain and HTML body and returns
// the event id, or "" when sending failed.
func (h *Handler) reply(ctx context.Context, roomID, markdown string) string {
	id, err := h.messenger.SendText(ctx, roomID, format.Plain(markdown), format.Markdown(markdown))
	if err != nil {
		h.log.Warn("Failed to send reply",
			slog.String("room_id", roomID),
			slog.Any("error", err))
		return ""
	}
	return id
}

// replyRaw sends an already rendered plain/HTML pair.
func (h *Handler) replyRaw(ctx context.Context, roomID, plain, formatted string) {
	if _, err := h.messenger.SendText(ctx, roomID, plain, formatted); err != nil {
		h.log.Warn("Failed to send reply",
			slog.String("room_id", roomID),
			slog.Any("error", err))
	}
}
