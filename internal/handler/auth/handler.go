package auth

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenwell/serenity/backend/pkg/utils"
)

// Issuer 签发用户令牌。
type Issuer interface {
	Issue(userID string) (string, time.Time, error)
}

// Handler 开发环境下的令牌签发接口。
type Handler struct {
	issuer Issuer
}

// New 创建令牌处理器
func New(issuer Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes 注册令牌路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/token", h.handleIssueToken)
}

type tokenRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

// handleIssueToken 为指定用户签发令牌
func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var payload tokenRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, utils.DecodeStatus(err), err.Error())
		return
	}

	token, expires, err := h.issuer.Issue(payload.UserID)
	if err != nil {
		log.Printf("[auth] issue token failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expires,
		UserID:      payload.UserID,
	})
}
