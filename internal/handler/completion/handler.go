package completion

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/pkg/sse"
	"github.com/lumenwell/serenity/backend/pkg/utils"
)

// Replier 生成助手回复。
type Replier interface {
	StreamingEnabled() bool
	GenerateReply(ctx context.Context, turns []chat.Turn) (*schema.Message, error)
	StreamReply(ctx context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error)
}

// Request 是补全接口的请求体。
type Request struct {
	Messages []chat.Turn `json:"messages" validate:"required,min=1,dive"`
}

// streamError 在响应头已发送后通知客户端流中断。
type streamError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DefaultMaxBodyBytes 是补全请求体的默认上限。客户端每次发送完整历史，
// 因此该值远大于普通接口的 1 MiB。
const DefaultMaxBodyBytes int64 = 16 << 20

// Handler 以 OpenAI 兼容的 SSE 格式输出回复。
type Handler struct {
	replier      Replier
	modelName    string
	maxBodyBytes int64
}

// New 创建补全处理器，replier 为空时接口返回 503。maxBodyBytes <= 0 时使用默认值。
func New(replier Replier, modelName string, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{replier: replier, modelName: modelName, maxBodyBytes: maxBodyBytes}
}

// RegisterRoutes 注册补全路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.replier == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai completion unavailable")
		return
	}

	var req Request
	if err := utils.DecodeJSONLimit(r, &req, h.maxBodyBytes); err != nil {
		utils.RespondError(w, utils.DecodeStatus(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	id := "chatcmpl-" + uuid.NewString()

	if !h.replier.StreamingEnabled() {
		response, err := h.replier.GenerateReply(ctx, req.Messages)
		if err != nil {
			log.Printf("[completion] generate failed: %v", err)
			utils.RespondError(w, http.StatusBadGateway, "AI generation failed")
			return
		}

		sse.SetupHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := h.writeDelta(w, flusher, id, response.Content); err != nil {
			log.Printf("[completion] write failed: %v", err)
			return
		}
		h.finish(w, flusher, id)
		return
	}

	stream, err := h.replier.StreamReply(ctx, req.Messages)
	if err != nil {
		log.Printf("[completion] stream failed: %v", err)
		utils.RespondError(w, http.StatusBadGateway, "AI generation failed")
		return
	}
	defer stream.Close()

	sse.SetupHeaders(w)
	w.WriteHeader(http.StatusOK)
	// 首个 token 可能较慢，先刷出响应头，避免代理提前超时。
	if err := sse.WriteComment(w, flusher, "stream open"); err != nil {
		log.Printf("[completion] client went away: %v", err)
		return
	}

	total := 0
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			log.Printf("[completion] stream interrupted after %d bytes: %v", total, recvErr)
			var payload streamError
			payload.Error.Message = "AI generation interrupted"
			_ = sse.WriteData(w, flusher, payload)
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		total += len(chunk.Content)
		if err := h.writeDelta(w, flusher, id, chunk.Content); err != nil {
			log.Printf("[completion] client went away: %v", err)
			return
		}
	}

	h.finish(w, flusher, id)
	log.Printf("[completion] streamed reply id=%s, length=%d", id, total)
}

func (h *Handler) writeDelta(w io.Writer, flusher http.Flusher, id, content string) error {
	return sse.WriteData(w, flusher, h.chunk(id, sse.Delta{Content: content}, nil))
}

func (h *Handler) finish(w io.Writer, flusher http.Flusher, id string) {
	reason := "stop"
	if err := sse.WriteData(w, flusher, h.chunk(id, sse.Delta{}, &reason)); err != nil {
		log.Printf("[completion] write failed: %v", err)
		return
	}
	if err := sse.WriteDone(w, flusher); err != nil {
		log.Printf("[completion] write failed: %v", err)
	}
}

func (h *Handler) chunk(id string, delta sse.Delta, finish *string) sse.Chunk {
	return sse.Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   h.modelName,
		Choices: []sse.Choice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}
