package server

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nafabric/nafabric/internal/database"
	"github.com/nafabric/nafabric/internal/model"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("server: record not found")
	// ErrNoManager 端口的 Connector 没有登记到任何 Manager
	ErrNoManager = errors.New("server: connector has no manager")
)

const writeAttempts = 5

// Store Server 的数据库访问层；DB 写只在 Server 内发生
type Store struct {
	db *gorm.DB
}

// NewStore 包装 gorm 连接
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) write(fn func(*gorm.DB) error) error {
	return database.WithRetry(s.db, fn, writeAttempts, 50*time.Millisecond)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- 进程 ----

// SaveProcess 新增或覆盖进程配置，不改动运行状态字段
func (s *Store) SaveProcess(p *model.Process) error {
	return s.write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "process_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"process_type", "manager_id", "setting_status", "rule_id",
				"delay_time", "cmd_ident_type", "cmd_response_type", "log_cycle", "port_no", "consumers", "updated_at"}),
		}).Create(p).Error
	})
}

// Process 按 ID 查找进程
func (s *Store) Process(id string) (model.Process, error) {
	var p model.Process
	err := s.db.Where("process_id = ?", id).First(&p).Error
	return p, notFound(err)
}

// Processes 全部进程
func (s *Store) Processes() ([]model.Process, error) {
	var out []model.Process
	err := s.db.Order("manager_id ASC, process_type ASC, process_id ASC").Find(&out).Error
	return out, err
}

// Children Manager 下设置为启动的子进程
func (s *Store) Children(managerID string) ([]model.Process, error) {
	var out []model.Process
	err := s.db.Where("manager_id = ? AND process_type <> ? AND setting_status = ?",
		managerID, wire.ProcManager.String(), model.StatusStart).
		Order("process_type ASC, process_id ASC").Find(&out).Error
	return out, err
}

// SetSettingStatus 运维期望状态
func (s *Store) SetSettingStatus(id, status string) error {
	return s.write(func(db *gorm.DB) error {
		res := db.Model(&model.Process{}).Where("process_id = ?", id).Update("setting_status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ApplyStatus 记录进程状态上报，未知进程按上报内容新建
func (s *Store) ApplyStatus(st *wire.ProcessStatus) error {
	p := model.Process{
		ProcessID:   st.ProcessID,
		ProcessType: st.ProcessType.String(),
		ManagerID:   st.ManagerID,
		HostIP:      st.HostIP,
		Pid:         int(st.Pid),
		Status:      model.StatusText(st.Status),
		// 新建记录时的期望状态
		SettingStatus: model.StatusStart,
	}
	if st.StartTime > 0 {
		p.StartTime = time.Unix(st.StartTime, 0)
	}
	cols := []string{"host_ip", "pid", "status", "updated_at"}
	if st.StartTime > 0 {
		cols = append(cols, "start_time")
	}
	return s.write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "process_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).Create(&p).Error
	})
}

// StopManaged Manager 断开后其本身与子进程都标记为 Stop
func (s *Store) StopManaged(managerID string) error {
	return s.write(func(db *gorm.DB) error {
		return db.Model(&model.Process{}).
			Where("manager_id = ? OR process_id = ?", managerID, managerID).
			Updates(map[string]interface{}{"status": model.StatusStop, "pid": 0}).Error
	})
}

// ---- 端口 ----

// SavePort 新增或覆盖端口
func (s *Store) SavePort(p *model.ConnectorPort) error {
	return s.write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sequence"}},
			DoUpdates: clause.AssignmentColumns([]string{"equip_id", "connector_id", "agent_equip_id", "ip", "port_no",
				"user", "password", "protocol_type", "port_type", "gat_flag", "command_port_flag", "junction_type",
				"rule_id", "mmc_ident_type", "cmd_response_type", "log_cycle", "enabled", "updated_at"}),
		}).Create(p).Error
	})
}

// Port 按序号查找
func (s *Store) Port(seq uint32) (model.ConnectorPort, error) {
	var p model.ConnectorPort
	err := s.db.Where("sequence = ?", seq).First(&p).Error
	return p, notFound(err)
}

// Ports 全部端口
func (s *Store) Ports() ([]model.ConnectorPort, error) {
	var out []model.ConnectorPort
	err := s.db.Order("sequence ASC").Find(&out).Error
	return out, err
}

// SetPortEnabled 打开或关闭端口（由同步线程下发）
func (s *Store) SetPortEnabled(seq uint32, enabled bool) error {
	return s.write(func(db *gorm.DB) error {
		res := db.Model(&model.ConnectorPort{}).Where("sequence = ?", seq).Update("enabled", enabled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ApplyPortStatus 记录 Connector 上报的端口状态
func (s *Store) ApplyPortStatus(st *wire.PortStatus) error {
	return s.write(func(db *gorm.DB) error {
		return db.Model(&model.ConnectorPort{}).Where("sequence = ?", st.Sequence).
			Updates(map[string]interface{}{"status": model.StatusText(st.Status), "reason": st.Reason}).Error
	})
}

// ManagerOfConnector Connector 所属的 Manager
func (s *Store) ManagerOfConnector(connectorID string) (string, error) {
	var p model.Process
	id := session.BareName(wire.ProcConnector, strings.TrimSpace(connectorID))
	err := s.db.Where("process_id = ? AND process_type = ?", id, wire.ProcConnector.String()).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && p.ManagerID == "") {
		return "", fmt.Errorf("%w: %s", ErrNoManager, connectorID)
	}
	return p.ManagerID, err
}

// RouteNE NE 对应的端口与 Manager；优先命令端口
func (s *Store) RouteNE(ne string) (model.ConnectorPort, string, error) {
	var p model.ConnectorPort
	err := s.db.Where("equip_id = ? AND enabled = ?", ne, true).
		Order("command_port_flag DESC, sequence ASC").First(&p).Error
	if err != nil {
		return p, "", notFound(err)
	}
	mgr, err := s.ManagerOfConnector(p.ConnectorID)
	return p, mgr, err
}

// ---- MMC ----

// MaxMMCID 已分配的最大 MMC ID
func (s *Store) MaxMMCID() (uint32, error) {
	var max sql.NullInt64
	if err := s.db.Model(&model.MMCHistory{}).Select("MAX(id)").Row().Scan(&max); err != nil {
		return 0, err
	}
	return uint32(max.Int64), nil
}

// AddMMC 记录请求
func (s *Store) AddMMC(h *model.MMCHistory) error {
	return s.write(func(db *gorm.DB) error { return db.Create(h).Error })
}

// SetMMCState 更新处理状态；已完成的请求不再改动
func (s *Store) SetMMCState(id uint32, state string) error {
	return s.write(func(db *gorm.DB) error {
		return db.Model(&model.MMCHistory{}).Where("id = ? AND state <> ?", id, model.MMCStateDone).
			Update("state", state).Error
	})
}

// FinishMMC 记录结果
func (s *Store) FinishMMC(id uint32, mode wire.ResultMode, result string) error {
	now := time.Now()
	return s.write(func(db *gorm.DB) error {
		return db.Model(&model.MMCHistory{}).Where("id = ?", id).Updates(map[string]interface{}{
			"state":        model.MMCStateDone,
			"result_mode":  mode.String(),
			"result":       result,
			"completed_at": &now,
		}).Error
	})
}

// MMC 按 ID 查找
func (s *Store) MMC(id uint32) (model.MMCHistory, error) {
	var h model.MMCHistory
	err := s.db.Where("id = ?", id).First(&h).Error
	return h, notFound(err)
}

// ---- 错误 ----

// AddError 记录 AsciiError
func (s *Store) AddError(e *wire.AsciiError) error {
	row := model.ErrorLog{
		ID:          uuid.NewString(),
		Priority:    e.Priority,
		ProcessID:   e.ProcessID,
		ProcessType: e.ProcessType.String(),
		ManagerID:   e.ManagerID,
		ErrMsg:      e.ErrMsg,
	}
	return s.write(func(db *gorm.DB) error { return db.Create(&row).Error })
}

// Errors 最近的错误，limit<=0 时取 100 条
func (s *Store) Errors(limit int) ([]model.ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.ErrorLog
	err := s.db.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
