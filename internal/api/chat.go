package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/orchestrator"
	"github.com/embedo/embedo/internal/product"
)

// maxChatBodyBytes caps inbound chat request bodies.
const maxChatBodyBytes = 64 << 10

// chatRequest is the widget's chat payload.
type chatRequest struct {
	Message   string `json:"message"`
	ProductID string `json:"productId"`
	SessionID string `json:"sessionId"`
	UserToken string `json:"userToken,omitempty"`
}

// chatResponse mirrors the orchestrator outcome for the widget.
type chatResponse struct {
	Response        string                        `json:"response"`
	FunctionsCalled []orchestrator.CalledFunction `json:"functionsCalled"`
}

// Chat handles POST /api/v1/chat.
type Chat struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewChat creates the chat handler.
func NewChat(orch *orchestrator.Orchestrator, logger *slog.Logger) *Chat {
	return &Chat{orch: orch, logger: logger}
}

// ServeHTTP runs one chat turn.
func (h *Chat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	body := io.LimitReader(r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateChatRequest(req); msg != "" {
		writeError(w, h.logger, http.StatusBadRequest, msg)
		return
	}

	result, err := h.orch.HandleMessage(r.Context(), orchestrator.Request{
		Message:   req.Message,
		ProductID: req.ProductID,
		SessionID: req.SessionID,
		UserToken: req.UserToken,
	})
	if err != nil {
		h.writeChatError(w, r, req, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, chatResponse{
		Response:        result.Text,
		FunctionsCalled: result.FunctionsCalled,
	})
}

// writeChatError maps orchestrator failures onto HTTP statuses: unknown
// product is the caller's mistake, upstream LLM failures are a bad gateway,
// everything else is internal.
func (h *Chat) writeChatError(w http.ResponseWriter, r *http.Request, req chatRequest, err error) {
	requestID, _ := RequestID(r.Context())

	var provErr *llm.ProviderError
	switch {
	case errors.Is(err, product.ErrProductNotFound):
		writeError(w, h.logger, http.StatusNotFound, "product not found")
	case errors.As(err, &provErr):
		h.logger.Error("llm provider failure",
			"provider", provErr.Provider, "product_id", req.ProductID,
			"request_id", requestID, "error", err)
		writeError(w, h.logger, http.StatusBadGateway, "language model unavailable")
	default:
		h.logger.Error("chat turn failed",
			"product_id", req.ProductID, "session_id", req.SessionID,
			"request_id", requestID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
	}
}

func validateChatRequest(req chatRequest) string {
	switch {
	case strings.TrimSpace(req.Message) == "":
		return "message is required"
	case req.ProductID == "":
		return "productId is required"
	case req.SessionID == "":
		return "sessionId is required"
	default:
		return ""
	}
}
