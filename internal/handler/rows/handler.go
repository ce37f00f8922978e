package rows

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage"
	"github.com/lumenwell/serenity/backend/pkg/utils"
)

var (
	errNoCaller      = errors.New("user token required")
	errMissingFilter = errors.New("user_id=eq.<id> filter is required")
	errForeignUser   = errors.New("rows belong to another user")
)

// Handler 以行存储接口暴露 chat_messages 表。
type Handler struct {
	store storage.Gateway
	now   func() time.Time
}

// New 创建行存储处理器
func New(store storage.Gateway) *Handler {
	return &Handler{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes 注册 chat_messages 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat_messages", h.handleSelect)
	r.Post("/chat_messages", h.handleInsert)
	r.Delete("/chat_messages", h.handleDelete)
}

// handleSelect 按时间顺序返回调用者的消息。
func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	userID, err := h.scope(r, r.URL.Query().Get("user_id"))
	if err != nil {
		respondScopeError(w, err)
		return
	}

	order := r.URL.Query().Get("order")
	if order != "" && order != "timestamp.asc" && order != "timestamp.desc" {
		utils.RespondError(w, http.StatusBadRequest, "unsupported order "+order)
		return
	}

	history, err := h.store.LoadHistory(r.Context(), userID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	rows := lo.Map(history, func(m chat.Message, _ int) chat.Row {
		return chat.NewRow(userID, m)
	})
	if order == "timestamp.desc" {
		slices.Reverse(rows)
	}
	utils.RespondJSON(w, http.StatusOK, rows)
}

// handleInsert 插入一条消息，缺失的 id 与时间戳由服务端生成。
func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	var row chat.Row
	if err := utils.DecodeJSON(r, &row); err != nil {
		utils.RespondError(w, utils.DecodeStatus(err), err.Error())
		return
	}

	userID, err := h.scope(r, "eq."+row.UserID)
	if err != nil {
		respondScopeError(w, err)
		return
	}

	msg := row.Message()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = h.now()
	}

	if err := h.store.Append(r.Context(), userID, msg); err != nil {
		respondStoreError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, chat.NewRow(userID, msg))
}

// handleDelete 删除调用者的全部消息。
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := h.scope(r, r.URL.Query().Get("user_id"))
	if err != nil {
		respondScopeError(w, err)
		return
	}

	if err := h.store.ClearAll(r.Context(), userID); err != nil {
		respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// scope 解析 user_id 过滤条件。服务密钥可以指定任意用户，普通令牌只能访问自己。
func (h *Handler) scope(r *http.Request, filter string) (string, error) {
	target, hasFilter := strings.CutPrefix(filter, "eq.")
	target = strings.TrimSpace(target)

	if identity.IsService(r.Context()) {
		if !hasFilter || target == "" {
			return "", errMissingFilter
		}
		return target, nil
	}

	caller, ok := identity.FromContext(r.Context())
	if !ok {
		return "", errNoCaller
	}
	if !hasFilter || target == "" {
		return "", errMissingFilter
	}
	if target != caller {
		return "", errForeignUser
	}
	return caller, nil
}

func respondScopeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoCaller):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, errForeignUser):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	default:
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	}
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUnauthenticated):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, storage.ErrInvalidMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrDuplicateMessage):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[rows] store failure: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "storage failure")
	}
}
