package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SetupHeaders 设置Server-Sent Events响应头
func SetupHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteData 发送一个 `data: <json>` 事件并立即刷新
func WriteData(w io.Writer, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s%s\n\n", DataPrefix, data); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// WriteDone 发送流结束标记
func WriteDone(w io.Writer, flusher http.Flusher) error {
	if _, err := fmt.Fprintf(w, "%s%s\n\n", DataPrefix, DoneSentinel); err != nil {
		return fmt.Errorf("write sse sentinel: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// WriteComment 发送注释行（解码端会忽略），用于保活或提前刷出响应头
func WriteComment(w io.Writer, flusher http.Flusher, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
