package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const originalNameKey = "original-name"

// JetStreamStore 使用 NATS JetStream Object Store 保存附件。
type JetStreamStore struct {
	conn  *nats.Conn
	store jetstream.ObjectStore
}

// NewJetStreamStore 连接 NATS 并确保 bucket 存在。
func NewJetStreamStore(ctx context.Context, natsURL, bucket string) (*JetStreamStore, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	store, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Conversation file attachments",
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("object store %q: %w", bucket, err)
	}
	return &JetStreamStore{conn: conn, store: store}, nil
}

func (s *JetStreamStore) Put(ctx context.Context, info Info, data []byte) (*Info, error) {
	meta := jetstream.ObjectMeta{
		Name:     info.Name,
		Headers:  nats.Header{"Content-Type": []string{info.ContentType}},
		Metadata: map[string]string{originalNameKey: info.OriginalName},
	}
	oi, err := s.store.Put(ctx, meta, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	return toInfo(oi), nil
}

func (s *JetStreamStore) Get(ctx context.Context, name string) ([]byte, *Info, error) {
	oi, err := s.store.GetInfo(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get object info: %w", err)
	}
	data, err := s.store.GetBytes(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("get object: %w", err)
	}
	return data, toInfo(oi), nil
}

func (s *JetStreamStore) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Close 关闭 NATS 连接。
func (s *JetStreamStore) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func toInfo(oi *jetstream.ObjectInfo) *Info {
	ct := "application/octet-stream"
	if oi.Headers != nil {
		if v := oi.Headers.Get("Content-Type"); v != "" {
			ct = v
		}
	}
	return &Info{
		Name:         oi.Name,
		Size:         int64(oi.Size),
		ContentType:  ct,
		OriginalName: oi.Metadata[originalNameKey],
		ModTime:      oi.ModTime,
	}
}
