package wire

import (
	"fmt"
	"io"
)

// 报文 ID
const (
	MsgSessionReporting uint32 = 1
	MsgCmdAliveAck      uint32 = 2
	MsgCmdProcTerminate uint32 = 3
	MsgAsciiAck         uint32 = 4
	MsgAsciiError       uint32 = 5
	MsgProcessStatus    uint32 = 6
	MsgMMCFlowControl   uint32 = 7

	MsgMMCRequest    uint32 = 100
	MsgMMCResult     uint32 = 101
	MsgMMCPublishReq uint32 = 102

	MsgCmdOpenPort  uint32 = 110
	MsgCmdClosePort uint32 = 111
	MsgPortStatus   uint32 = 112

	MsgCmdParsingRuleDown uint32 = 120
	MsgCmdMappingRuleDown uint32 = 121

	MsgCmdStartProcess uint32 = 130
	MsgCmdStopProcess  uint32 = 131

	MsgConnectorData uint32 = 200
	MsgParsedData    uint32 = 210

	MsgTailLogDataReq uint32 = 300
	MsgTailLogData    uint32 = 301
	MsgTailLogStopReq uint32 = 302

	MsgDBConnReq            uint32 = 400
	MsgDBConnRes            uint32 = 401
	MsgDBCloseReq           uint32 = 402
	MsgDBQueryReq           uint32 = 403
	MsgDBQueryRes           uint32 = 404
	MsgDBBulkQueryData      uint32 = 405
	MsgDBRSQueryData        uint32 = 406
	MsgDBRSMoveNextReq      uint32 = 407
	MsgDBRSCloseReq         uint32 = 408
	MsgDBCommitReq          uint32 = 409
	MsgDBCommitRes          uint32 = 410
	MsgDBRollbackReq        uint32 = 411
	MsgDBRollbackRes        uint32 = 412
	MsgDBQueryLongUpdateReq uint32 = 413
	MsgDBQueryLongUpdateRes uint32 = 414
)

// Message 所有报文的公共接口；各会话的处理器对具体类型做 type switch
type Message interface {
	MsgID() uint32
	Encode(e *Encoder)
	Decode(d *Decoder)
}

var registry = map[uint32]func() Message{
	MsgSessionReporting:     func() Message { return &SessionReporting{} },
	MsgCmdAliveAck:          func() Message { return &AliveAck{} },
	MsgCmdProcTerminate:     func() Message { return &ProcTerminate{} },
	MsgAsciiAck:             func() Message { return &AsciiAck{} },
	MsgAsciiError:           func() Message { return &AsciiError{} },
	MsgProcessStatus:        func() Message { return &ProcessStatus{} },
	MsgMMCFlowControl:       func() Message { return &FlowControl{} },
	MsgMMCRequest:           func() Message { return &MMCRequest{} },
	MsgMMCResult:            func() Message { return &MMCResult{} },
	MsgMMCPublishReq:        func() Message { return &MMCPublish{} },
	MsgCmdOpenPort:          func() Message { return &OpenPort{} },
	MsgCmdClosePort:         func() Message { return &ClosePort{} },
	MsgPortStatus:           func() Message { return &PortStatus{} },
	MsgCmdParsingRuleDown:   func() Message { return &ParsingRuleDown{} },
	MsgCmdMappingRuleDown:   func() Message { return &MappingRuleDown{} },
	MsgCmdStartProcess:      func() Message { return &StartProcess{} },
	MsgCmdStopProcess:       func() Message { return &StopProcess{} },
	MsgConnectorData:        func() Message { return &ConnectorData{} },
	MsgParsedData:           func() Message { return &ParsedData{} },
	MsgTailLogDataReq:       func() Message { return &TailLogReq{} },
	MsgTailLogData:          func() Message { return &TailLogData{} },
	MsgTailLogStopReq:       func() Message { return &TailLogStop{} },
	MsgDBConnReq:            func() Message { return &DBConnReq{} },
	MsgDBConnRes:            func() Message { return &DBConnRes{} },
	MsgDBCloseReq:           func() Message { return &DBCloseReq{} },
	MsgDBQueryReq:           func() Message { return &DBQueryReq{} },
	MsgDBQueryRes:           func() Message { return &DBQueryRes{} },
	MsgDBBulkQueryData:      func() Message { return &DBBulkQueryData{} },
	MsgDBRSQueryData:        func() Message { return &DBRSQueryData{} },
	MsgDBRSMoveNextReq:      func() Message { return &DBRSMoveNextReq{} },
	MsgDBRSCloseReq:         func() Message { return &DBRSCloseReq{} },
	MsgDBCommitReq:          func() Message { return &DBCommitReq{} },
	MsgDBCommitRes:          func() Message { return &DBCommitRes{} },
	MsgDBRollbackReq:        func() Message { return &DBRollbackReq{} },
	MsgDBRollbackRes:        func() Message { return &DBRollbackRes{} },
	MsgDBQueryLongUpdateReq: func() Message { return &DBLongUpdateReq{} },
	MsgDBQueryLongUpdateRes: func() Message { return &DBLongUpdateRes{} },
}

// NewMessage 按 msg_id 构造空报文
func NewMessage(id uint32) (Message, error) {
	f, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	return f(), nil
}

// Marshal 编码报文体
func Marshal(m Message) []byte {
	e := NewEncoder(64)
	m.Encode(e)
	return e.Bytes()
}

// Encode 编码成一帧
func Encode(m Message) Frame {
	return Frame{ID: m.MsgID(), Body: Marshal(m)}
}

// Decode 把一帧解码为具体报文
func Decode(f Frame) (Message, error) {
	m, err := NewMessage(f.ID)
	if err != nil {
		return nil, err
	}
	d := NewDecoder(f.Body)
	m.Decode(d)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode msg_id=%d: %w", f.ID, err)
	}
	return m, nil
}

// WriteMessage 编码并写出一帧
func WriteMessage(w io.Writer, m Message) error {
	return WriteFrame(w, m.MsgID(), Marshal(m))
}

// ---- 会话类 ----

// SessionReporting 连接后第一帧，报告会话类型与名称
type SessionReporting struct {
	SessionType ProcessType
	SessionName string
}

func (*SessionReporting) MsgID() uint32 { return MsgSessionReporting }
func (m *SessionReporting) Encode(e *Encoder) {
	e.U32(uint32(m.SessionType))
	e.Fixed(m.SessionName, NameLen)
}
func (m *SessionReporting) Decode(d *Decoder) {
	m.SessionType = ProcessType(d.U32())
	m.SessionName = d.Fixed(NameLen)
}

// AliveAck 存活应答，报文体为空
type AliveAck struct{}

func (*AliveAck) MsgID() uint32   { return MsgCmdAliveAck }
func (*AliveAck) Encode(*Encoder) {}
func (*AliveAck) Decode(*Decoder) {}

// ProcTerminate 请求对端关闭
type ProcTerminate struct{}

func (*ProcTerminate) MsgID() uint32   { return MsgCmdProcTerminate }
func (*ProcTerminate) Encode(*Encoder) {}
func (*ProcTerminate) Decode(*Decoder) {}

// AsciiAck 命令应答；ResultMode 为 0 表示失败且 ResultMsg 给出原因
type AsciiAck struct {
	ID         uint32
	ResultMode uint32
	ResultMsg  string
}

func (*AsciiAck) MsgID() uint32 { return MsgAsciiAck }
func (m *AsciiAck) Encode(e *Encoder) {
	e.U32(m.ID)
	e.U32(m.ResultMode)
	e.VarString(m.ResultMsg)
}
func (m *AsciiAck) Decode(d *Decoder) {
	m.ID = d.U32()
	m.ResultMode = d.U32()
	m.ResultMsg = d.VarString()
}

// AsciiError 送往 Server 的运维可见错误
type AsciiError struct {
	Priority    uint32
	ProcessID   string
	ProcessType ProcessType
	ManagerID   string
	ErrMsg      string
}

func (*AsciiError) MsgID() uint32 { return MsgAsciiError }
func (m *AsciiError) Encode(e *Encoder) {
	e.U32(m.Priority)
	e.Fixed(m.ProcessID, IDLen)
	e.U32(uint32(m.ProcessType))
	e.Fixed(m.ManagerID, IDLen)
	e.VarString(m.ErrMsg)
}
func (m *AsciiError) Decode(d *Decoder) {
	m.Priority = d.U32()
	m.ProcessID = d.Fixed(IDLen)
	m.ProcessType = ProcessType(d.U32())
	m.ManagerID = d.Fixed(IDLen)
	m.ErrMsg = d.VarString()
}

// ProcessStatus 进程状态上报
type ProcessStatus struct {
	ProcessID     string
	ProcessType   ProcessType
	ManagerID     string
	HostIP        string
	Pid           uint32
	StartTime     int64
	Status        uint32
	SettingStatus uint32
}

func (*ProcessStatus) MsgID() uint32 { return MsgProcessStatus }
func (m *ProcessStatus) Encode(e *Encoder) {
	e.Fixed(m.ProcessID, IDLen)
	e.U32(uint32(m.ProcessType))
	e.Fixed(m.ManagerID, IDLen)
	e.Fixed(m.HostIP, IPLen)
	e.U32(m.Pid)
	e.I64(m.StartTime)
	e.U32(m.Status)
	e.U32(m.SettingStatus)
}
func (m *ProcessStatus) Decode(d *Decoder) {
	m.ProcessID = d.Fixed(IDLen)
	m.ProcessType = ProcessType(d.U32())
	m.ManagerID = d.Fixed(IDLen)
	m.HostIP = d.Fixed(IPLen)
	m.Pid = d.U32()
	m.StartTime = d.I64()
	m.Status = d.U32()
	m.SettingStatus = d.U32()
}

// FlowControl MMC 队列流控
type FlowControl struct {
	Mode   FlowMode
	ReqID  uint32
	Reason string
}

func (*FlowControl) MsgID() uint32 { return MsgMMCFlowControl }
func (m *FlowControl) Encode(e *Encoder) {
	e.U32(uint32(m.Mode))
	e.U32(m.ReqID)
	e.Fixed(m.Reason, ReasonLen)
}
func (m *FlowControl) Decode(d *Decoder) {
	m.Mode = FlowMode(d.U32())
	m.ReqID = d.U32()
	m.Reason = d.Fixed(ReasonLen)
}

// ---- MMC ----

// MMCRequest 运维下发的 MMC
type MMCRequest struct {
	ID           uint32
	NE           string
	MMC          string
	ResponseMode ResponseMode
	Priority     uint32
	Parameters   string
	PublishMode  uint32
	RetryNo      uint32
	CurRetryNo   uint32
	LogMode      uint32
	// ConnectorID 由 Manager 按 NE 查找后绑定
	ConnectorID string
}

func (*MMCRequest) MsgID() uint32 { return MsgMMCRequest }
func (m *MMCRequest) Encode(e *Encoder) {
	e.U32(m.ID)
	e.Fixed(m.NE, IDLen)
	e.VarString(m.MMC)
	e.U32(uint32(m.ResponseMode))
	e.U32(m.Priority)
	e.VarString(m.Parameters)
	e.U32(m.PublishMode)
	e.U32(m.RetryNo)
	e.U32(m.CurRetryNo)
	e.U32(m.LogMode)
	e.Fixed(m.ConnectorID, NameLen)
}
func (m *MMCRequest) Decode(d *Decoder) {
	m.ID = d.U32()
	m.NE = d.Fixed(IDLen)
	m.MMC = d.VarString()
	m.ResponseMode = ResponseMode(d.U32())
	m.Priority = d.U32()
	m.Parameters = d.VarString()
	m.PublishMode = d.U32()
	m.RetryNo = d.U32()
	m.CurRetryNo = d.U32()
	m.LogMode = d.U32()
	m.ConnectorID = d.Fixed(NameLen)
}

// MMCResult MMC 结果，超长结果按 Seg 分段
type MMCResult struct {
	Seg        SegHeader
	ID         uint32
	NE         string
	ResultMode ResultMode
	Result     string
}

func (*MMCResult) MsgID() uint32 { return MsgMMCResult }
func (m *MMCResult) Encode(e *Encoder) {
	m.Seg.encode(e)
	e.U32(m.ID)
	e.Fixed(m.NE, IDLen)
	e.U32(uint32(m.ResultMode))
	e.VarString(m.Result)
}
func (m *MMCResult) Decode(d *Decoder) {
	m.Seg.decode(d)
	m.ID = d.U32()
	m.NE = d.Fixed(IDLen)
	m.ResultMode = ResultMode(d.U32())
	m.Result = d.VarString()
}

// MMCPublish Manager 发往 Connector 的命令下发
type MMCPublish struct {
	ID           uint32
	NE           string
	MMC          string
	ResponseMode ResponseMode
	LogMode      uint32
}

func (*MMCPublish) MsgID() uint32 { return MsgMMCPublishReq }
func (m *MMCPublish) Encode(e *Encoder) {
	e.U32(m.ID)
	e.Fixed(m.NE, IDLen)
	e.VarString(m.MMC)
	e.U32(uint32(m.ResponseMode))
	e.U32(m.LogMode)
}
func (m *MMCPublish) Decode(d *Decoder) {
	m.ID = d.U32()
	m.NE = d.Fixed(IDLen)
	m.MMC = d.VarString()
	m.ResponseMode = ResponseMode(d.U32())
	m.LogMode = d.U32()
}

// ---- 端口 ----

// PortInfo 连接端口记录
type PortInfo struct {
	EquipID         string
	ConnectorID     string
	Sequence        uint32
	AgentEquipID    string
	IP              string
	PortNo          uint32
	User            string
	Password        string
	ProtocolType    string
	PortType        uint32
	GatFlag         uint32
	CommandPortFlag uint32
	JunctionType    uint32
	RuleID          string
	MMCIdentType    uint32
	CmdResponseType uint32
	LogCycle        string
}

func (p *PortInfo) encode(e *Encoder) {
	e.Fixed(p.EquipID, IDLen)
	e.Fixed(p.ConnectorID, NameLen)
	e.U32(p.Sequence)
	e.Fixed(p.AgentEquipID, IDLen)
	e.Fixed(p.IP, IPLen)
	e.U32(p.PortNo)
	e.Fixed(p.User, UserLen)
	e.Fixed(p.Password, UserLen)
	e.Fixed(p.ProtocolType, CycleLen)
	e.U32(p.PortType)
	e.U32(p.GatFlag)
	e.U32(p.CommandPortFlag)
	e.U32(p.JunctionType)
	e.Fixed(p.RuleID, IDLen)
	e.U32(p.MMCIdentType)
	e.U32(p.CmdResponseType)
	e.Fixed(p.LogCycle, CycleLen)
}

func (p *PortInfo) decode(d *Decoder) {
	p.EquipID = d.Fixed(IDLen)
	p.ConnectorID = d.Fixed(NameLen)
	p.Sequence = d.U32()
	p.AgentEquipID = d.Fixed(IDLen)
	p.IP = d.Fixed(IPLen)
	p.PortNo = d.U32()
	p.User = d.Fixed(UserLen)
	p.Password = d.Fixed(UserLen)
	p.ProtocolType = d.Fixed(CycleLen)
	p.PortType = d.U32()
	p.GatFlag = d.U32()
	p.CommandPortFlag = d.U32()
	p.JunctionType = d.U32()
	p.RuleID = d.Fixed(IDLen)
	p.MMCIdentType = d.U32()
	p.CmdResponseType = d.U32()
	p.LogCycle = d.Fixed(CycleLen)
}

// OpenPort 打开端口；Endpoint 是 Parser 的本地监听端点
type OpenPort struct {
	Port     PortInfo
	Endpoint string
}

func (*OpenPort) MsgID() uint32 { return MsgCmdOpenPort }
func (m *OpenPort) Encode(e *Encoder) {
	m.Port.encode(e)
	e.VarString(m.Endpoint)
}
func (m *OpenPort) Decode(d *Decoder) {
	m.Port.decode(d)
	m.Endpoint = d.VarString()
}

// ClosePort 关闭端口
type ClosePort struct {
	Sequence    uint32
	EquipID     string
	ConnectorID string
}

func (*ClosePort) MsgID() uint32 { return MsgCmdClosePort }
func (m *ClosePort) Encode(e *Encoder) {
	e.U32(m.Sequence)
	e.Fixed(m.EquipID, IDLen)
	e.Fixed(m.ConnectorID, NameLen)
}
func (m *ClosePort) Decode(d *Decoder) {
	m.Sequence = d.U32()
	m.EquipID = d.Fixed(IDLen)
	m.ConnectorID = d.Fixed(NameLen)
}

// PortStatus 端口状态上报
type PortStatus struct {
	Sequence    uint32
	EquipID     string
	ConnectorID string
	Status      uint32
	Reason      string
}

func (*PortStatus) MsgID() uint32 { return MsgPortStatus }
func (m *PortStatus) Encode(e *Encoder) {
	e.U32(m.Sequence)
	e.Fixed(m.EquipID, IDLen)
	e.Fixed(m.ConnectorID, NameLen)
	e.U32(m.Status)
	e.VarString(m.Reason)
}
func (m *PortStatus) Decode(d *Decoder) {
	m.Sequence = d.U32()
	m.EquipID = d.Fixed(IDLen)
	m.ConnectorID = d.Fixed(NameLen)
	m.Status = d.U32()
	m.Reason = d.VarString()
}

// ---- 规则 ----

// ParsingRuleDown 解析规则下发
type ParsingRuleDown struct {
	ID     uint32
	RuleID string
}

func (*ParsingRuleDown) MsgID() uint32       { return MsgCmdParsingRuleDown }
func (m *ParsingRuleDown) Encode(e *Encoder) { e.U32(m.ID); e.Fixed(m.RuleID, IDLen) }
func (m *ParsingRuleDown) Decode(d *Decoder) { m.ID = d.U32(); m.RuleID = d.Fixed(IDLen) }

// MappingRuleDown 映射规则下发
type MappingRuleDown struct {
	ID     uint32
	RuleID string
}

func (*MappingRuleDown) MsgID() uint32       { return MsgCmdMappingRuleDown }
func (m *MappingRuleDown) Encode(e *Encoder) { e.U32(m.ID); e.Fixed(m.RuleID, IDLen) }
func (m *MappingRuleDown) Decode(d *Decoder) { m.ID = d.U32(); m.RuleID = d.Fixed(IDLen) }

// ---- 进程 ----

// StartProcess 启动子进程
type StartProcess struct {
	ProcessID       string
	ProcessType     ProcessType
	RuleID          string
	DelayTime       uint32
	CmdIdentType    uint32
	CmdResponseType uint32
	LogCycle        string
	PortNo          uint32
	// Consumers 逗号分隔的数据处理器 ID
	Consumers string
}

func (*StartProcess) MsgID() uint32 { return MsgCmdStartProcess }
func (m *StartProcess) Encode(e *Encoder) {
	e.Fixed(m.ProcessID, IDLen)
	e.U32(uint32(m.ProcessType))
	e.Fixed(m.RuleID, IDLen)
	e.U32(m.DelayTime)
	e.U32(m.CmdIdentType)
	e.U32(m.CmdResponseType)
	e.Fixed(m.LogCycle, CycleLen)
	e.U32(m.PortNo)
	e.VarString(m.Consumers)
}
func (m *StartProcess) Decode(d *Decoder) {
	m.ProcessID = d.Fixed(IDLen)
	m.ProcessType = ProcessType(d.U32())
	m.RuleID = d.Fixed(IDLen)
	m.DelayTime = d.U32()
	m.CmdIdentType = d.U32()
	m.CmdResponseType = d.U32()
	m.LogCycle = d.Fixed(CycleLen)
	m.PortNo = d.U32()
	m.Consumers = d.VarString()
}

// StopProcess 有序停止子进程
type StopProcess struct {
	ProcessID   string
	ProcessType ProcessType
}

func (*StopProcess) MsgID() uint32 { return MsgCmdStopProcess }
func (m *StopProcess) Encode(e *Encoder) {
	e.Fixed(m.ProcessID, IDLen)
	e.U32(uint32(m.ProcessType))
}
func (m *StopProcess) Decode(d *Decoder) {
	m.ProcessID = d.Fixed(IDLen)
	m.ProcessType = ProcessType(d.U32())
}

// ---- 数据 ----

// ConnectorData Connector 转发给 Parser 的一段 NE 原始回复
type ConnectorData struct {
	Seg    SegHeader
	NE     string
	PortNo uint32
	MMCID  uint32
	Data   []byte
}

func (*ConnectorData) MsgID() uint32 { return MsgConnectorData }
func (m *ConnectorData) Encode(e *Encoder) {
	m.Seg.encode(e)
	e.Fixed(m.NE, IDLen)
	e.U32(m.PortNo)
	e.U32(m.MMCID)
	e.Var(m.Data)
}
func (m *ConnectorData) Decode(d *Decoder) {
	m.Seg.decode(d)
	m.NE = d.Fixed(IDLen)
	m.PortNo = d.U32()
	m.MMCID = d.U32()
	m.Data = d.Var()
}

// ParsedData 解析结果记录；Data 为以 0 结尾的属性串联
type ParsedData struct {
	Seg        SegHeader
	MsgSeq     uint32
	IdentName  string
	NE         string
	ConsumerID string
	TmplID     string
	ListSeq    int32
	AttrNo     uint32
	Data       []byte
}

func (*ParsedData) MsgID() uint32 { return MsgParsedData }
func (m *ParsedData) Encode(e *Encoder) {
	m.Seg.encode(e)
	e.U32(m.MsgSeq)
	e.Fixed(m.IdentName, NameLen)
	e.Fixed(m.NE, IDLen)
	e.Fixed(m.ConsumerID, IDLen)
	e.Fixed(m.TmplID, IDLen)
	e.I32(m.ListSeq)
	e.U32(m.AttrNo)
	e.Var(m.Data)
}
func (m *ParsedData) Decode(d *Decoder) {
	m.Seg.decode(d)
	m.MsgSeq = d.U32()
	m.IdentName = d.Fixed(NameLen)
	m.NE = d.Fixed(IDLen)
	m.ConsumerID = d.Fixed(IDLen)
	m.TmplID = d.Fixed(IDLen)
	m.ListSeq = d.I32()
	m.AttrNo = d.U32()
	m.Data = d.Var()
}

// ---- 日志尾随 ----

// TailLogReq 请求尾随某个进程的日志；Hour 为空表示当前小时，Raw 为 1 时尾随原始消息文件
type TailLogReq struct {
	ProcessType ProcessType
	ProcessID   string
	LogCycle    string
	Hour        string
	Raw         uint32
}

func (*TailLogReq) MsgID() uint32 { return MsgTailLogDataReq }
func (m *TailLogReq) Encode(e *Encoder) {
	e.U32(uint32(m.ProcessType))
	e.Fixed(m.ProcessID, IDLen)
	e.Fixed(m.LogCycle, CycleLen)
	e.Fixed(m.Hour, HourLen)
	e.U32(m.Raw)
}
func (m *TailLogReq) Decode(d *Decoder) {
	m.ProcessType = ProcessType(d.U32())
	m.ProcessID = d.Fixed(IDLen)
	m.LogCycle = d.Fixed(CycleLen)
	m.Hour = d.Fixed(HourLen)
	m.Raw = d.U32()
}

// TailLogData 日志尾随数据块
type TailLogData struct {
	ProcessID string
	FileName  string
	Data      []byte
}

func (*TailLogData) MsgID() uint32 { return MsgTailLogData }
func (m *TailLogData) Encode(e *Encoder) {
	e.Fixed(m.ProcessID, IDLen)
	e.VarString(m.FileName)
	e.Var(m.Data)
}
func (m *TailLogData) Decode(d *Decoder) {
	m.ProcessID = d.Fixed(IDLen)
	m.FileName = d.VarString()
	m.Data = d.Var()
}

// TailLogStop 停止尾随
type TailLogStop struct {
	ProcessID string
}

func (*TailLogStop) MsgID() uint32       { return MsgTailLogStopReq }
func (m *TailLogStop) Encode(e *Encoder) { e.Fixed(m.ProcessID, IDLen) }
func (m *TailLogStop) Decode(d *Decoder) { m.ProcessID = d.Fixed(IDLen) }
