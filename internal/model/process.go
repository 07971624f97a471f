package model

import (
	"time"

	"github.com/nafabric/nafabric/internal/wire"
)

// Process 进程记录：Manager 以及 Manager 下的各角色子进程
type Process struct {
	ProcessID       string    `json:"process_id" gorm:"primaryKey;type:varchar(32)"`
	ProcessType     string    `json:"process_type" gorm:"type:varchar(16);not null;index"`
	ManagerID       string    `json:"manager_id" gorm:"type:varchar(32);index"`
	HostIP          string    `json:"host_ip" gorm:"type:varchar(40)"`
	Pid             int       `json:"pid"`
	StartTime       time.Time `json:"start_time"`
	Status          string    `json:"status" gorm:"type:varchar(8);not null;default:'Stop'"`
	SettingStatus   string    `json:"setting_status" gorm:"type:varchar(8);not null;default:'Start'"`
	RuleID          string    `json:"rule_id" gorm:"type:varchar(32)"`
	DelayTime       uint32    `json:"delay_time"`
	CmdIdentType    uint32    `json:"cmd_ident_type"`
	CmdResponseType uint32    `json:"cmd_response_type"`
	LogCycle        string    `json:"log_cycle" gorm:"type:varchar(8)"`
	PortNo          uint32    `json:"port_no"`
	Consumers       string    `json:"consumers" gorm:"type:varchar(256)"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Process) TableName() string {
	return "processes"
}

// 进程状态
const (
	StatusStart = "Start"
	StatusStop  = "Stop"
)

// StatusText 状态值转文本
func StatusText(status uint32) string {
	if status == wire.StatusStart {
		return StatusStart
	}
	return StatusStop
}

// Type 进程类型枚举值
func (p *Process) Type() wire.ProcessType {
	return wire.ParseProcessType(p.ProcessType)
}

// StartCommand 生成 CMD_START_PROCESS
func (p *Process) StartCommand() *wire.StartProcess {
	return &wire.StartProcess{
		ProcessID:       p.ProcessID,
		ProcessType:     p.Type(),
		RuleID:          p.RuleID,
		DelayTime:       p.DelayTime,
		CmdIdentType:    p.CmdIdentType,
		CmdResponseType: p.CmdResponseType,
		LogCycle:        p.LogCycle,
		PortNo:          p.PortNo,
		Consumers:       p.Consumers,
	}
}
