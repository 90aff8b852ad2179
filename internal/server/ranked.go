package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/difflog/internal/difflog"
	"github.com/gin-gonic/gin"
)

type submitRequestPayload struct {
	User    string `json:"user"`
	App     string `json:"app"`
	Payload string `json:"payload"`
	Opaque  string `json:"opaque"`
}

type submitResponsePayload struct {
	Rank      int64 `json:"rank"`
	Duplicate bool  `json:"duplicate"`
}

type opaqueRequestPayload struct {
	User   string `json:"user"`
	App    string `json:"app"`
	Opaque string `json:"opaque"`
}

type rankResponsePayload struct {
	Rank  *int64 `json:"rank"`
	Count int64  `json:"count"`
}

type tailRequestPayload struct {
	User string `json:"user"`
	App  string `json:"app"`
	N    *int   `json:"n"`
}

type tailResponsePayload struct {
	Opaques []string `json:"opaques"`
}

type countResponsePayload struct {
	Count int64 `json:"count"`
}

type payloadResponsePayload struct {
	Payload string `json:"payload"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	opaque, err := difflog.NewOpaqueID(request.Opaque)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return
	}
	payload, err := difflog.NewPayload(request.Payload)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return
	}

	result, err := h.diffLog.Submit(c.Request.Context(), sc, opaque, payload)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if !result.Duplicate {
		h.publish(sc, strconv.FormatInt(result.Rank, 10))
	}
	c.JSON(http.StatusOK, submitResponsePayload{Rank: result.Rank, Duplicate: result.Duplicate})
}

func (h *httpHandler) handleRank(c *gin.Context) {
	var request opaqueRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	opaque, err := difflog.NewOpaqueID(request.Opaque)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return
	}

	result, err := h.diffLog.Rank(c.Request.Context(), sc, opaque)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := rankResponsePayload{Count: result.Count}
	if result.Found {
		rank := result.Rank
		response.Rank = &rank
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleTail(c *gin.Context) {
	var request tailRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	if request.N == nil {
		h.rejectMalformed(c, "invalid_n", nil)
		return
	}

	opaques, err := h.diffLog.Tail(c.Request.Context(), sc, *request.N)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := tailResponsePayload{Opaques: make([]string, 0, len(opaques))}
	for _, opaque := range opaques {
		response.Opaques = append(response.Opaques, opaque.String())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCount(c *gin.Context) {
	var request scopeRequest
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return request })
	if !ok {
		return
	}

	count, err := h.diffLog.Count(c.Request.Context(), sc)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponsePayload{Count: count})
}

func (h *httpHandler) handlePayload(c *gin.Context) {
	var request opaqueRequestPayload
	sc, ok := h.bindScoped(c, &request, func() scopeRequest { return scopeRequest{User: request.User, App: request.App} })
	if !ok {
		return
	}
	opaque, err := difflog.NewOpaqueID(request.Opaque)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return
	}

	payload, found, err := h.diffLog.PayloadOf(c.Request.Context(), sc, opaque)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": errorNotFound})
		return
	}
	c.JSON(http.StatusOK, payloadResponsePayload{Payload: payload.String()})
}
