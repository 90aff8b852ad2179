package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/streamlog"
	"github.com/gin-gonic/gin"
)

type appendRequestPayload struct {
	User    string `json:"user"`
	App     string `json:"app"`
	Payload string `json:"payload"`
}

type appendResponsePayload struct {
	ID string `json:"id"`
}

type sinceRequestPayload struct {
	User   string `json:"user"`
	App    string `json:"app"`
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

func (h *httpHandler) handleAppend(c *gin.Context) {
	var request appendRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	if request.Payload == "" {
		h.rejectMalformed(c, validationCode(streamlog.ErrInvalidPayload), streamlog.ErrInvalidPayload)
		return
	}

	id, err := h.streamLog.Append(c.Request.Context(), sc, request.Payload)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publish(sc, id.String())
	c.JSON(http.StatusOK, appendResponsePayload{ID: id.String()})
}

func (h *httpHandler) handleSince(c *gin.Context) {
	var request sinceRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	cursor := store.MinEntryID
	if raw := strings.TrimSpace(request.Cursor); raw != "" {
		parsed, err := store.ParseEntryID(raw)
		if err != nil {
			h.rejectMalformed(c, validationCode(err), err)
			return
		}
		cursor = parsed
	}

	entries, err := h.streamLog.Since(c.Request.Context(), sc, streamlog.SinceOptions{Cursor: cursor, Limit: request.Limit})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, encodeEntries(entries))
}

// encodeEntries renders entries as [[id, [name, value, ...]], ...].
func encodeEntries(entries []streamlog.Entry) [][]any {
	encoded := make([][]any, 0, len(entries))
	for _, entry := range entries {
		fields := make([]string, 0, 2*len(entry.Fields))
		for _, field := range entry.Fields {
			fields = append(fields, field.Name, field.Value)
		}
		encoded = append(encoded, []any{entry.ID.String(), fields})
	}
	return encoded
}
