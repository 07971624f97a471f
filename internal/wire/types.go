package wire

import "strings"

// 定长字段宽度
const (
	NameLen   = 64
	IDLen     = 32
	IPLen     = 40
	CycleLen  = 8
	HourLen   = 16
	GUIDLen   = 96
	TableLen  = 64
	UserLen   = 64
	ReasonLen = 128
)

// ProcessType 进程/会话类型
type ProcessType uint32

const (
	ProcUnknown ProcessType = iota
	ProcServer
	ProcManager
	ProcParser
	ProcConnector
	ProcRouter
	ProcDataRouter
	ProcLogRouter
	ProcDataHandler
	ProcGUI
	ProcLogGUI
	ProcDBGateway
	ProcDBClient
)

var processTypeNames = map[ProcessType]string{
	ProcServer:      "Server",
	ProcManager:     "Manager",
	ProcParser:      "Parser",
	ProcConnector:   "Connector",
	ProcRouter:      "Router",
	ProcDataRouter:  "DataRouter",
	ProcLogRouter:   "LogRouter",
	ProcDataHandler: "DataHandler",
	ProcGUI:         "GUI",
	ProcLogGUI:      "LogGUI",
	ProcDBGateway:   "DBGateway",
	ProcDBClient:    "DBClient",
}

func (p ProcessType) String() string {
	if s, ok := processTypeNames[p]; ok {
		return s
	}
	return "Unknown"
}

// ParseProcessType 按名称（忽略大小写）解析进程类型
func ParseProcessType(s string) ProcessType {
	for k, v := range processTypeNames {
		if strings.EqualFold(v, s) {
			return k
		}
	}
	return ProcUnknown
}

// ProcessStatus 进程状态
const (
	StatusStop  uint32 = 0
	StatusStart uint32 = 1
)

// ResponseMode MMC 是否需要回送结果
type ResponseMode uint32

const (
	Response ResponseMode = iota
	NoResponse
)

func (m ResponseMode) String() string {
	if m == NoResponse {
		return "NoResponse"
	}
	return "Response"
}

// ResultMode MMC 结果状态
type ResultMode uint32

const (
	ResultNotYet ResultMode = iota
	ResultCaptured
	ResultLost
	ResultError
)

func (m ResultMode) String() string {
	switch m {
	case ResultCaptured:
		return "Captured"
	case ResultLost:
		return "Lost"
	case ResultError:
		return "Error"
	default:
		return "NotYet"
	}
}

// FlowMode 流控模式
type FlowMode uint32

const (
	FlowStop FlowMode = iota
	FlowRestart
)

func (m FlowMode) String() string {
	if m == FlowRestart {
		return "Restart"
	}
	return "Stop"
}

// AsciiAck 结果
const (
	AckFail    uint32 = 0
	AckSuccess uint32 = 1
)

// DB 网关枚举
const (
	QuerySelect uint32 = iota
	QueryUpdate
	QueryInsert
)

const (
	ReqBulk uint32 = iota
	ReqRecordSet
)

const (
	Commit uint32 = iota
	NoCommit
)

// 分段标记
const (
	SegNone uint32 = iota
	SegIng
	SegEnd
)

// 记录集游标 m_Size 特殊值
const (
	RSError int32 = -1
	RSEnd   int32 = -2
)
