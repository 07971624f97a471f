package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool 同一 NE 的多个端口共享一条 SSH 连接，每个端口各开一个 shell 通道
type Pool struct {
	config      *Config
	connections map[string]*pooledConnection
	mutex       sync.Mutex
}

// pooledConnection 池化的连接
type pooledConnection struct {
	client  *Client
	refs    int
	created time.Time
}

// NewPool 创建SSH连接池
func NewPool(config *Config) *Pool {
	return &Pool{config: config, connections: make(map[string]*pooledConnection)}
}

// Acquire 取得连接并增加引用；已断开的连接会被替换
func (p *Pool) Acquire(ctx context.Context, info *ConnectionInfo) (*Client, error) {
	key := info.Key()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists {
		if conn.client.IsConnected() {
			conn.refs++
			return conn.client, nil
		}
		_ = conn.client.Close()
		delete(p.connections, key)
	}

	client := NewClient(p.config)
	if err := client.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}
	p.connections[key] = &pooledConnection{client: client, refs: 1, created: time.Now()}
	return client, nil
}

// Release 释放一次引用，最后一个引用释放时关闭连接
func (p *Pool) Release(info *ConnectionInfo) {
	key := info.Key()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	conn, exists := p.connections[key]
	if !exists {
		return
	}
	conn.refs--
	if conn.refs <= 0 {
		_ = conn.client.Close()
		delete(p.connections, key)
	}
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var first error
	for key, conn := range p.connections {
		if err := conn.client.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.connections, key)
	}
	return first
}

// Stats 连接池统计
func (p *Pool) Stats() map[string]interface{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	refs := 0
	for _, conn := range p.connections {
		refs += conn.refs
	}
	return map[string]interface{}{
		"connections": len(p.connections),
		"refs":        refs,
	}
}
