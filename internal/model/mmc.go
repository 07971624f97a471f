package model

import (
	"time"
)

// MMCHistory 每条 MMC 的请求与结果
type MMCHistory struct {
	ID           uint32     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	NE           string     `json:"ne" gorm:"type:varchar(32);not null;index"`
	MMC          string     `json:"mmc" gorm:"type:text;not null"`
	ResponseMode string     `json:"response_mode" gorm:"type:varchar(16)"`
	Priority     uint32     `json:"priority"`
	ManagerID    string     `json:"manager_id" gorm:"type:varchar(32);index"`
	// State pending（等待流控恢复）/ sent / done
	State       string     `json:"state" gorm:"type:varchar(16);not null;default:'pending'"`
	ResultMode  string     `json:"result_mode" gorm:"type:varchar(16);not null;default:'NotYet'"`
	Result      string     `json:"result" gorm:"type:text"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName 表名
func (MMCHistory) TableName() string {
	return "mmc_history"
}

// MMC 处理状态
const (
	MMCStatePending = "pending"
	MMCStateSent    = "sent"
	MMCStateDone    = "done"
)
