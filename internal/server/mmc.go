package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/model"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrInvalidMMC 请求缺少 NE 或命令
var ErrInvalidMMC = errors.New("server: mmc request needs ne and mmc")

// MMCSubmit 运维提交的 MMC
type MMCSubmit struct {
	NE           string            `json:"ne" binding:"required"`
	MMC          string            `json:"mmc" binding:"required"`
	ResponseMode wire.ResponseMode `json:"response_mode"`
	Priority     uint32            `json:"priority"`
	Parameters   string            `json:"parameters"`
	PublishMode  uint32            `json:"publish_mode"`
	RetryNo      uint32            `json:"retry_no"`
	LogMode      uint32            `json:"log_mode"`
}

// gate 一个 Manager 的流控闸门：Stop 后新请求进入 pending，Restart 时按序放行
type gate struct {
	mu      sync.Mutex
	stopped bool
	pending []*wire.MMCRequest
}

func (g *gate) reset() {
	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()
}

// drop 取出全部待发请求
func (g *gate) drop() []*wire.MMCRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.pending
	g.pending = nil
	g.stopped = false
	return out
}

func (s *Server) gate(managerID string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[managerID]
	if !ok {
		g = &gate{}
		s.gates[managerID] = g
	}
	return g
}

// Pending Manager 闸门中等待的请求数
func (s *Server) Pending(managerID string) int {
	g := s.gate(managerID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// SubmitMMC 记录请求并按 NE 路由给 Manager；无法路由时直接落库为 Error 结果
func (s *Server) SubmitMMC(sub MMCSubmit) (model.MMCHistory, error) {
	sub.NE = strings.TrimSpace(sub.NE)
	sub.MMC = strings.TrimSpace(sub.MMC)
	if sub.NE == "" || sub.MMC == "" {
		return model.MMCHistory{}, ErrInvalidMMC
	}
	req := &wire.MMCRequest{
		ID:           s.mmcSeq.Add(1),
		NE:           sub.NE,
		MMC:          sub.MMC,
		ResponseMode: sub.ResponseMode,
		Priority:     sub.Priority,
		Parameters:   sub.Parameters,
		PublishMode:  sub.PublishMode,
		RetryNo:      sub.RetryNo,
		LogMode:      sub.LogMode,
	}
	h := model.MMCHistory{
		ID:           req.ID,
		NE:           req.NE,
		MMC:          req.MMC,
		ResponseMode: req.ResponseMode.String(),
		Priority:     req.Priority,
		State:        model.MMCStatePending,
		ResultMode:   wire.ResultNotYet.String(),
		RequestedAt:  time.Now(),
	}

	_, mgr, err := s.store.RouteNE(req.NE)
	h.ManagerID = mgr
	if addErr := s.store.AddMMC(&h); addErr != nil {
		return h, fmt.Errorf("record mmc: %w", addErr)
	}
	if err != nil {
		reason := fmt.Sprintf("The NE(%s) is not found.", req.NE)
		if errors.Is(err, ErrNoManager) {
			reason = fmt.Sprintf("The NE(%s) is found, but its connector has no manager.", req.NE)
		} else if !errors.Is(err, ErrNotFound) {
			return h, err
		}
		s.finish(req.ID, wire.ResultError, reason)
		return s.store.MMC(req.ID)
	}

	s.forward(mgr, req)
	return s.store.MMC(req.ID)
}

// forward 闸门打开时立即下发，否则排队
func (s *Server) forward(managerID string, req *wire.MMCRequest) {
	g := s.gate(managerID)
	g.mu.Lock()
	if g.stopped {
		g.pending = append(g.pending, req)
		g.mu.Unlock()
		logger.Debugf("Server MMC %d held by flow control of Manager(%s)", req.ID, managerID)
		return
	}
	g.mu.Unlock()
	s.deliver(managerID, req)
}

func (s *Server) deliver(managerID string, req *wire.MMCRequest) {
	if err := s.send(managerID, req); err != nil {
		logger.Warnf("Server MMC %d to Manager(%s): %v", req.ID, managerID, err)
		s.finish(req.ID, wire.ResultError, fmt.Sprintf("The Manager(%s) is not connected.", managerID))
		return
	}
	if err := s.store.SetMMCState(req.ID, model.MMCStateSent); err != nil {
		logger.Errorf("Server record MMC %d sent: %v", req.ID, err)
	}
}

// onFlowControl Stop 关闭闸门；Restart 打开闸门并按 FIFO 放行等待的请求
func (s *Server) onFlowControl(managerID string, fc *wire.FlowControl) {
	logger.Infof("Server flow control %s from Manager(%s) msg %d: %s", fc.Mode, managerID, fc.ReqID, fc.Reason)
	metrics.FlowControl.WithLabelValues(fc.Mode.String()).Inc()
	g := s.gate(managerID)
	if fc.Mode == wire.FlowStop {
		g.mu.Lock()
		g.stopped = true
		g.mu.Unlock()
		return
	}
	g.mu.Lock()
	g.stopped = false
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, req := range pending {
		s.deliver(managerID, req)
	}
}
