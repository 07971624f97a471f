package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
)

var (
	// ErrNeNotFound 开放端口中没有该 NE
	ErrNeNotFound = errors.New("manager: ne not found")
	// ErrNoCommandPort NE 存在但没有命令端口
	ErrNoCommandPort = errors.New("manager: ne has no command port")
	// ErrDuplicateCommandPort 同一 Connector 下同一 NE 出现第二个命令端口
	ErrDuplicateCommandPort = errors.New("manager: duplicate command port")
)

// PortRegistry 权威的开放端口表，MMC 路由按 NE 在此查找
type PortRegistry struct {
	mu    sync.RWMutex
	ports map[uint32]wire.PortInfo
}

// NewPortRegistry 创建空端口表
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{ports: make(map[uint32]wire.PortInfo)}
}

// Open 登记端口；同序号的旧记录被替换
func (r *PortRegistry) Open(p wire.PortInfo) error {
	p.ConnectorID = session.QualifiedName(wire.ProcConnector, p.ConnectorID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CommandPortFlag == 1 {
		for seq, q := range r.ports {
			if seq != p.Sequence && q.CommandPortFlag == 1 && q.EquipID == p.EquipID && q.ConnectorID == p.ConnectorID {
				return fmt.Errorf("%w: %s already has port %d on %s", ErrDuplicateCommandPort, p.EquipID, seq, p.ConnectorID)
			}
		}
	}
	r.ports[p.Sequence] = p
	return nil
}

// Close 移除端口并返回被移除的记录
func (r *PortRegistry) Close(seq uint32) (wire.PortInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[seq]
	delete(r.ports, seq)
	return p, ok
}

// Get 按序号查找
func (r *PortRegistry) Get(seq uint32) (wire.PortInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[seq]
	return p, ok
}

// Lookup 按 NE 查找命令端口
func (r *PortRegistry) Lookup(ne string) (wire.PortInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := false
	for _, p := range r.sorted() {
		if p.EquipID != ne {
			continue
		}
		found = true
		if p.CommandPortFlag == 1 {
			return p, nil
		}
	}
	if found {
		return wire.PortInfo{}, ErrNoCommandPort
	}
	return wire.PortInfo{}, ErrNeNotFound
}

// ByConnector 某个 Connector 的全部端口（按序号）
func (r *PortRegistry) ByConnector(connectorID string) []wire.PortInfo {
	id := session.QualifiedName(wire.ProcConnector, connectorID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []wire.PortInfo
	for _, p := range r.sorted() {
		if p.ConnectorID == id {
			out = append(out, p)
		}
	}
	return out
}

// All 全部端口（按序号）
func (r *PortRegistry) All() []wire.PortInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// Len 端口数
func (r *PortRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}

// sorted 调用方持有读锁
func (r *PortRegistry) sorted() []wire.PortInfo {
	out := make([]wire.PortInfo, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
