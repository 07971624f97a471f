package model

import (
	"time"

	"github.com/nafabric/nafabric/internal/wire"
)

// ConnectorPort 端口表，Sequence 全局唯一
type ConnectorPort struct {
	Sequence        uint32    `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	EquipID         string    `json:"equip_id" gorm:"type:varchar(32);not null;index"`
	ConnectorID     string    `json:"connector_id" gorm:"type:varchar(64);not null;index"`
	AgentEquipID    string    `json:"agent_equip_id" gorm:"type:varchar(32)"`
	IP              string    `json:"ip" gorm:"type:varchar(40);not null"`
	PortNo          uint32    `json:"port_no" gorm:"not null"`
	User            string    `json:"user" gorm:"type:varchar(64)"`
	Password        string    `json:"password" gorm:"type:varchar(256)"`
	ProtocolType    string    `json:"protocol_type" gorm:"type:varchar(8);default:'TCP'"`
	PortType        uint32    `json:"port_type"`
	GatFlag         uint32    `json:"gat_flag"`
	CommandPortFlag uint32    `json:"command_port_flag"`
	JunctionType    uint32    `json:"junction_type"`
	RuleID          string    `json:"rule_id" gorm:"type:varchar(32)"`
	MMCIdentType    uint32    `json:"mmc_ident_type"`
	CmdResponseType uint32    `json:"cmd_response_type"`
	LogCycle        string    `json:"log_cycle" gorm:"type:varchar(8)"`
	// Enabled 运维期望端口处于打开状态
	Enabled bool `json:"enabled" gorm:"not null"`
	// Status/Reason 由 Connector 上报
	Status    string    `json:"status" gorm:"type:varchar(8);default:'Stop'"`
	Reason    string    `json:"reason" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (ConnectorPort) TableName() string {
	return "connector_ports"
}

// Info 转为线上端口记录
func (p *ConnectorPort) Info() wire.PortInfo {
	return wire.PortInfo{
		EquipID:         p.EquipID,
		ConnectorID:     p.ConnectorID,
		Sequence:        p.Sequence,
		AgentEquipID:    p.AgentEquipID,
		IP:              p.IP,
		PortNo:          p.PortNo,
		User:            p.User,
		Password:        p.Password,
		ProtocolType:    p.ProtocolType,
		PortType:        p.PortType,
		GatFlag:         p.GatFlag,
		CommandPortFlag: p.CommandPortFlag,
		JunctionType:    p.JunctionType,
		RuleID:          p.RuleID,
		MMCIdentType:    p.MMCIdentType,
		CmdResponseType: p.CmdResponseType,
		LogCycle:        p.LogCycle,
	}
}
