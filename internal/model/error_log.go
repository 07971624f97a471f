package model

import (
	"time"
)

// ErrorLog 进程上报的 AsciiError
type ErrorLog struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Priority    uint32    `json:"priority"`
	ProcessID   string    `json:"process_id" gorm:"type:varchar(32);index"`
	ProcessType string    `json:"process_type" gorm:"type:varchar(16)"`
	ManagerID   string    `json:"manager_id" gorm:"type:varchar(32);index"`
	ErrMsg      string    `json:"err_msg" gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName 表名
func (ErrorLog) TableName() string {
	return "error_logs"
}
