package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

// ErrBodyTooLarge 表示请求体超过上限，处理器应返回 413。
var ErrBodyTooLarge = errors.New("request body too large")

var validate = validator.New(validator.WithRequiredStructEnabled())

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON 解析请求体并执行结构体校验。
func DecodeJSON(r *http.Request, dst interface{}) error {
	return DecodeJSONLimit(r, dst, maxBodyBytes)
}

// DecodeJSONLimit 与 DecodeJSON 相同，但使用调用方给定的大小上限。
// 超限时返回 ErrBodyTooLarge。
func DecodeJSONLimit(r *http.Request, dst interface{}, limit int64) error {
	if limit <= 0 {
		limit = maxBodyBytes
	}
	body := http.MaxBytesReader(nil, r.Body, limit)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, limit)
		}
		return fmt.Errorf("invalid request payload: %w", err)
	}
	return Validate(dst)
}

// DecodeStatus 将解码错误映射为 HTTP 状态码。
func DecodeStatus(err error) int {
	if errors.Is(err, ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// Validate 校验结构体字段约束，返回第一条可读的错误。
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}
