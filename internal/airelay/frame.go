package airelay

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// 对外展示的失败原因。
const (
	ReasonConnection = "AI service connection error"
	ReasonTimeout    = "AI service timeout"
	ReasonEmpty      = "Empty AI response"
	ReasonProcessing = "AI processing error"
	ReasonNoResponse = "AI service closed the connection without a response"
	ReasonMalformed  = "Invalid AI response"
	ReasonTooLarge   = "AI response too large"
	ReasonCancelled  = "AI request cancelled"
)

// requestFrame 是发往 AI 进程的一行 JSON。
type requestFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversationId"`
	Message        string `json:"message"`
	Username       string `json:"username"`
	Timestamp      string `json:"timestamp"`
}

// isoMillis 与 JavaScript Date.toISOString 的输出一致。
const isoMillis = "2006-01-02T15:04:05.000Z"

func encodeRequest(req Request, now time.Time) ([]byte, error) {
	b, err := json.Marshal(requestFrame{
		Type:           "chat",
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Username:       req.Username,
		Timestamp:      now.UTC().Format(isoMillis),
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Frame 是 AI 进程回写的一行 JSON。
type Frame struct {
	Content        string `json:"content"`
	Status         string `json:"status"`
	Error          string `json:"error"`
	ChartImagePath string `json:"chart_image_path"`
}

func decodeFrame(line string) (Frame, error) {
	var f Frame
	err := json.Unmarshal([]byte(line), &f)
	return f, err
}

// Evaluate 把一帧映射为确定的结果；每个合法帧都会产生成功或失败之一。
func (f Frame) Evaluate() Outcome {
	if f.Status == "error" || f.Error != "" {
		reason := f.Error
		if reason == "" {
			reason = ReasonProcessing
		}
		return serviceError(reason)
	}
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return serviceError(ReasonEmpty)
	}
	reply := Reply{Content: content}
	if f.ChartImagePath != "" {
		chart := f.ChartImagePath
		reply.ChartImage = &chart
	}
	return Outcome{Kind: Success, Reply: reply}
}

// LineBuffer 把分片到达的字节流切成以 '\n' 结尾的完整行，未结束的尾部留到下一次。
type LineBuffer struct {
	pending []byte
}

// Feed 追加一个分片，返回其中已完整的非空行以及剩余的未完成部分。
func (b *LineBuffer) Feed(chunk []byte) (lines []string, remainder string) {
	b.pending = append(b.pending, chunk...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(b.pending[:i]))
		b.pending = b.pending[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines, string(b.pending)
}

// Len 返回尚未成行的字节数。
func (b *LineBuffer) Len() int { return len(b.pending) }
