package server

import (
	"context"
	"time"

	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// syncLoop DB 同步线程：周期性重读端口表并下发差异
func (s *Server) syncLoop(ctx context.Context) error {
	for {
		interval := s.Config().Server.SyncInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		if err := s.SyncPorts(); err != nil {
			logger.Warnf("Server port sync: %v", err)
		}
	}
}

// SyncPorts 对比端口表与已下发状态：新增或变化的端口发 CMD_OPEN_PORT，
// 删除、关闭或换了 Manager 的端口发 CMD_CLOSE_PORT；Manager 不在线的留到下次
func (s *Server) SyncPorts() error {
	ports, err := s.store.Ports()
	if err != nil {
		return err
	}
	want := make(map[uint32]pushedPort, len(ports))
	for i := range ports {
		p := &ports[i]
		if !p.Enabled {
			continue
		}
		mgr, err := s.store.ManagerOfConnector(p.ConnectorID)
		if err != nil {
			logger.Debugf("Server port %d skipped: %v", p.Sequence, err)
			continue
		}
		want[p.Sequence] = pushedPort{manager: mgr, info: p.Info()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, old := range s.synced {
		if cur, ok := want[seq]; ok && cur.manager == old.manager {
			continue
		}
		err := s.send(old.manager, &wire.ClosePort{Sequence: seq, EquipID: old.info.EquipID, ConnectorID: old.info.ConnectorID})
		if err != nil {
			logger.Debugf("Server close port %d on Manager(%s): %v", seq, old.manager, err)
		}
		// Manager 断开时其端口随会话一起失效
		delete(s.synced, seq)
	}
	for seq, cur := range want {
		if old, ok := s.synced[seq]; ok && old == cur {
			continue
		}
		if err := s.send(cur.manager, &wire.OpenPort{Port: cur.info}); err != nil {
			logger.Debugf("Server open port %d on Manager(%s): %v", seq, cur.manager, err)
			continue
		}
		s.synced[seq] = cur
	}
	return nil
}
