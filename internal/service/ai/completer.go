package ai

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/cloudwego/eino/schema"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/pkg/sse"
)

// Stream 在进程内生成与 /functions/v1/chat 相同格式的事件流，
// 服务端会话可以直接用它代替 HTTP 补全客户端。
func (s *Service) Stream(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error) {
	if !s.StreamingEnabled() {
		response, err := s.GenerateReply(ctx, turns)
		if err != nil {
			return nil, err
		}
		return EventStream(schema.StreamReaderFromArray([]*schema.Message{response})), nil
	}

	stream, err := s.StreamReply(ctx, turns)
	if err != nil {
		return nil, err
	}
	return EventStream(stream), nil
}

// EventStream 把消息流编码为 `data: <chunk>` 事件，正常结束时追加 [DONE]。
// 读取方关闭后，生产方停止并关闭上游流。
func EventStream(stream *schema.StreamReader[*schema.Message]) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				log.Printf("[ai] event stream interrupted: %v", err)
				_ = pw.CloseWithError(err)
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}

			payload := sse.Chunk{
				Object:  "chat.completion.chunk",
				Choices: []sse.Choice{{Delta: sse.Delta{Content: chunk.Content}}},
			}
			if err := sse.WriteData(pw, nil, payload); err != nil {
				// 读取端已关闭
				return
			}
		}

		if err := sse.WriteDone(pw, nil); err != nil {
			return
		}
		_ = pw.Close()
	}()

	return pr
}
