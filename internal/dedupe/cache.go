// Package dedupe 记录客户端消息 ID，拦截在 TTL 内重复提交的 send_message。
package dedupe

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

const cleanupInterval = time.Minute

type entry struct {
	at      time.Time
	elem    *list.Element
	pending bool
}

// Status 是 Reserve 的结果。
type Status int

const (
	Fresh   Status = iota // 首次出现，已占位
	Pending               // 同一键的消息仍在落库
	Done                  // TTL 内已成功处理过
)

// Cache 是带 TTL 与容量上限的集合，按写入顺序淘汰最旧的键。
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // 最旧的在前
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Key 生成 (用户, 会话, 客户端消息 ID) 三元组的键。
func Key(userID, conversationID uint, clientMessageID string) string {
	return fmt.Sprintf("%d:%d:%s", userID, conversationID, clientMessageID)
}

// Reserve 检查并占位键：首次出现返回 Fresh 并标记为处理中，调用方随后必须 Commit 或 Forget。
func (c *Cache) Reserve(key string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.at) < c.ttl {
			if e.pending {
				return Pending
			}
			return Done
		}
		e.at = now
		e.pending = true
		c.order.MoveToBack(e.elem)
		return Fresh
	}
	c.insertLocked(key, now, true)
	return Fresh
}

// Commit 把占位的键标记为已处理，TTL 从此刻起算。
func (c *Cache) Commit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.at = now
		e.pending = false
		c.order.MoveToBack(e.elem)
		return
	}
	// 处理期间被容量淘汰
	c.insertLocked(key, now, false)
}

func (c *Cache) insertLocked(key string, now time.Time, pending bool) {
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			delete(c.seen, front.Value.(string))
			c.order.Remove(front)
		}
	}
	c.seen[key] = &entry{at: now, elem: c.order.PushBack(key), pending: pending}
}

// Forget 移除键，消息落库失败时调用，允许客户端用同一 ID 重试。
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.elem)
		delete(c.seen, key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) loop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.seen {
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(e.elem)
			delete(c.seen, k)
		}
	}
}

// Close 停止后台清理，可重复调用。
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}
