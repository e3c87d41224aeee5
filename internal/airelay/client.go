// Package airelay 通过逐行 JSON 的 TCP 协议把一轮用户消息转交给外部 AI 进程。
//
// 每一轮都新建连接：连接后写入一行请求，随后读取 AI 回写的若干行 JSON。
// 第一个合法帧即决定结果（成功或失败），但连接会保持到对端关闭或超时，
// 以兼容只在刷新后才关闭连接的服务。客户端不做自动重试。
package airelay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout      = 90 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	readChunkSize = 4096
	maxPending    = 32 << 20
)

type Kind int

const (
	Success Kind = iota
	ServiceError
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ServiceError:
		return "service_error"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Reply 是成功时的回复，ChartImage 为可选的图表数据。
type Reply struct {
	Content    string
	ChartImage *string
}

// Outcome 是一轮转发的最终结果。Reason 仅在失败时有值。
type Outcome struct {
	Kind   Kind
	Reply  Reply
	Reason string
}

func (o Outcome) OK() bool { return o.Kind == Success }

func serviceError(reason string) Outcome { return Outcome{Kind: ServiceError, Reason: reason} }

func timeout() Outcome { return Outcome{Kind: Timeout, Reason: ReasonTimeout} }

// Request 是一轮用户消息。
type Request struct {
	ConversationID uint
	Message        string
	Username       string
}

type Config struct {
	Addr         string
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

type Client struct {
	cfg    Config
	dialer net.Dialer
	now    func() time.Time
	log    zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Client{
		cfg: cfg,
		now: time.Now,
		log: log.With().Str("component", "airelay").Str("addr", cfg.Addr).Logger(),
	}
}

func (c *Client) Config() Config { return c.cfg }

// Relay 发送一轮消息并等待结果。调用是阻塞的，由调用方决定是否放到独立 goroutine。
func (c *Client) Relay(ctx context.Context, req Request) Outcome {
	start := c.now()
	out := c.relay(ctx, req, start.Add(c.cfg.Timeout))
	metrics.AIRelayTotal.WithLabelValues(out.Kind.String()).Inc()
	metrics.AIRelayDuration.WithLabelValues(out.Kind.String()).Observe(time.Since(start).Seconds())
	return out
}

func (c *Client) relay(ctx context.Context, req Request, deadline time.Time) Outcome {
	l := c.log.With().Uint("conversation_id", req.ConversationID).Logger()

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", c.cfg.Addr)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			l.Error().Err(err).Msg("ai service timeout while connecting")
			return timeout()
		}
		l.Error().Err(err).Msg("ai service connection error")
		return serviceError(ReasonConnection)
	}
	l.Debug().Msg("connected to ai service")

	_ = conn.SetDeadline(deadline)
	payload, err := encodeRequest(req, c.now())
	if err != nil {
		conn.Close()
		l.Error().Err(err).Msg("encode ai request")
		return serviceError(ReasonConnection)
	}
	if _, err := conn.Write(payload); err != nil {
		conn.Close()
		if isTimeout(err) {
			return timeout()
		}
		l.Error().Err(err).Msg("write ai request")
		return serviceError(ReasonConnection)
	}

	results := make(chan Outcome, 1)
	go c.read(conn, l, results)

	select {
	case out := <-results:
		return out
	case <-ctx.Done():
		conn.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeout()
		}
		return serviceError(ReasonCancelled)
	}
}

// read 持续读取直到对端关闭或到达截止时间；第一个合法帧的结果写入 results，之后的帧只记录日志。
func (c *Client) read(conn net.Conn, l zerolog.Logger, results chan<- Outcome) {
	defer conn.Close()

	var (
		buf       LineBuffer
		resolved  bool
		malformed bool
		chunk     = make([]byte, readChunkSize)
	)
	resolve := func(o Outcome) {
		if !resolved {
			resolved = true
			results <- o
		}
	}

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			lines, _ := buf.Feed(chunk[:n])
			for _, line := range lines {
				f, derr := decodeFrame(line)
				if derr != nil {
					malformed = true
					l.Warn().Err(derr).Int("bytes", len(line)).Msg("skipping malformed ai frame")
					continue
				}
				if resolved {
					l.Debug().Msg("ignoring ai frame after outcome")
					continue
				}
				resolve(f.Evaluate())
			}
			if buf.Len() > maxPending {
				l.Error().Int("bytes", buf.Len()).Msg("ai frame exceeds limit")
				resolve(serviceError(ReasonTooLarge))
				return
			}
		}
		if err == nil {
			continue
		}

		if resolved {
			return
		}
		switch {
		case isTimeout(err):
			if malformed || buf.Len() > 0 {
				resolve(serviceError(ReasonMalformed))
			} else {
				l.Error().Msg("ai service timeout")
				resolve(timeout())
			}
		case errors.Is(err, io.EOF):
			if malformed || buf.Len() > 0 {
				resolve(serviceError(ReasonMalformed))
			} else {
				l.Warn().Msg("ai service closed without a response")
				resolve(serviceError(ReasonNoResponse))
			}
		default:
			l.Error().Err(err).Msg("ai service connection error")
			resolve(serviceError(ReasonConnection))
		}
		return
	}
}

// Probe 建立一次短连接检测 AI 进程是否可达。
func (c *Client) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(pctx, "tcp", c.cfg.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
