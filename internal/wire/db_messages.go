package wire

// DB 网关报文

// DBConnReq 建立后端数据库会话
type DBConnReq struct {
	User     string
	Password string
	DSN      string
}

func (*DBConnReq) MsgID() uint32 { return MsgDBConnReq }
func (m *DBConnReq) Encode(e *Encoder) {
	e.Fixed(m.User, UserLen)
	e.Fixed(m.Password, UserLen)
	e.VarString(m.DSN)
}
func (m *DBConnReq) Decode(d *Decoder) {
	m.User = d.Fixed(UserLen)
	m.Password = d.Fixed(UserLen)
	m.DSN = d.VarString()
}

// DBConnRes 连接结果，Result 1 成功 0 失败
type DBConnRes struct {
	Result uint32
	Error  string
}

func (*DBConnRes) MsgID() uint32 { return MsgDBConnRes }
func (m *DBConnRes) Encode(e *Encoder) {
	e.U32(m.Result)
	e.VarString(m.Error)
}
func (m *DBConnRes) Decode(d *Decoder) {
	m.Result = d.U32()
	m.Error = d.VarString()
}

// DBCloseReq 关闭会话
type DBCloseReq struct{}

func (*DBCloseReq) MsgID() uint32   { return MsgDBCloseReq }
func (*DBCloseReq) Encode(*Encoder) {}
func (*DBCloseReq) Decode(*Decoder) {}

// DBQueryReq 查询请求；SQL 超过 MaxDataSize 时以 SegIng 分段、SegEnd 结束
type DBQueryReq struct {
	QueryID    uint32
	QueryType  uint32
	ReqType    uint32
	CommitMode uint32
	SegFlag    uint32
	SQL        string
}

func (*DBQueryReq) MsgID() uint32 { return MsgDBQueryReq }
func (m *DBQueryReq) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.U32(m.QueryType)
	e.U32(m.ReqType)
	e.U32(m.CommitMode)
	e.U32(m.SegFlag)
	e.VarString(m.SQL)
}
func (m *DBQueryReq) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.QueryType = d.U32()
	m.ReqType = d.U32()
	m.CommitMode = d.U32()
	m.SegFlag = d.U32()
	m.SQL = d.VarString()
}

// DBQueryRes 查询应答；Select 给出列数、行数与 bulk 数据总长，更新类给出影响行数
type DBQueryRes struct {
	QueryID  uint32
	Result   uint32
	ColCnt   uint32
	RowCnt   uint32
	DataSize uint32
	Affected int64
	Columns  string
	Error    string
}

func (*DBQueryRes) MsgID() uint32 { return MsgDBQueryRes }
func (m *DBQueryRes) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.U32(m.Result)
	e.U32(m.ColCnt)
	e.U32(m.RowCnt)
	e.U32(m.DataSize)
	e.I64(m.Affected)
	e.VarString(m.Columns)
	e.VarString(m.Error)
}
func (m *DBQueryRes) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.Result = d.U32()
	m.ColCnt = d.U32()
	m.RowCnt = d.U32()
	m.DataSize = d.U32()
	m.Affected = d.I64()
	m.Columns = d.VarString()
	m.Error = d.VarString()
}

// DBBulkQueryData bulk 结果数据块，所有块按序拼接即为行主序的 len|data 序列
type DBBulkQueryData struct {
	QueryID uint32
	SegFlag uint32
	Data    []byte
}

func (*DBBulkQueryData) MsgID() uint32 { return MsgDBBulkQueryData }
func (m *DBBulkQueryData) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.U32(m.SegFlag)
	e.Var(m.Data)
}
func (m *DBBulkQueryData) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.SegFlag = d.U32()
	m.Data = d.Var()
}

// DBRSQueryData 记录集单行；Size 为 RSEnd 表示无更多行，RSError 表示出错且 Data 为错误信息
type DBRSQueryData struct {
	QueryID uint32
	Size    int32
	SegFlag uint32
	Data    []byte
}

func (*DBRSQueryData) MsgID() uint32 { return MsgDBRSQueryData }
func (m *DBRSQueryData) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.I32(m.Size)
	e.U32(m.SegFlag)
	e.Var(m.Data)
}
func (m *DBRSQueryData) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.Size = d.I32()
	m.SegFlag = d.U32()
	m.Data = d.Var()
}

// DBRSMoveNextReq 游标前移
type DBRSMoveNextReq struct {
	QueryID uint32
}

func (*DBRSMoveNextReq) MsgID() uint32       { return MsgDBRSMoveNextReq }
func (m *DBRSMoveNextReq) Encode(e *Encoder) { e.U32(m.QueryID) }
func (m *DBRSMoveNextReq) Decode(d *Decoder) { m.QueryID = d.U32() }

// DBRSCloseReq 释放游标
type DBRSCloseReq struct {
	QueryID uint32
}

func (*DBRSCloseReq) MsgID() uint32       { return MsgDBRSCloseReq }
func (m *DBRSCloseReq) Encode(e *Encoder) { e.U32(m.QueryID) }
func (m *DBRSCloseReq) Decode(d *Decoder) { m.QueryID = d.U32() }

// DBCommitReq 提交
type DBCommitReq struct{}

func (*DBCommitReq) MsgID() uint32   { return MsgDBCommitReq }
func (*DBCommitReq) Encode(*Encoder) {}
func (*DBCommitReq) Decode(*Decoder) {}

// DBCommitRes 提交结果
type DBCommitRes struct {
	Result uint32
	Error  string
}

func (*DBCommitRes) MsgID() uint32 { return MsgDBCommitRes }
func (m *DBCommitRes) Encode(e *Encoder) {
	e.U32(m.Result)
	e.VarString(m.Error)
}
func (m *DBCommitRes) Decode(d *Decoder) {
	m.Result = d.U32()
	m.Error = d.VarString()
}

// DBRollbackReq 回滚
type DBRollbackReq struct{}

func (*DBRollbackReq) MsgID() uint32   { return MsgDBRollbackReq }
func (*DBRollbackReq) Encode(*Encoder) {}
func (*DBRollbackReq) Decode(*Decoder) {}

// DBRollbackRes 回滚结果
type DBRollbackRes struct {
	Result uint32
	Error  string
}

func (*DBRollbackRes) MsgID() uint32 { return MsgDBRollbackRes }
func (m *DBRollbackRes) Encode(e *Encoder) {
	e.U32(m.Result)
	e.VarString(m.Error)
}
func (m *DBRollbackRes) Decode(d *Decoder) {
	m.Result = d.U32()
	m.Error = d.VarString()
}

// DBLongUpdateReq 长字段更新分段；全部段拼接后为 len|where|len|value
type DBLongUpdateReq struct {
	QueryID    uint32
	SegFlag    uint32
	CommitMode uint32
	Table      string
	Field      string
	Data       []byte
}

func (*DBLongUpdateReq) MsgID() uint32 { return MsgDBQueryLongUpdateReq }
func (m *DBLongUpdateReq) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.U32(m.SegFlag)
	e.U32(m.CommitMode)
	e.Fixed(m.Table, TableLen)
	e.Fixed(m.Field, TableLen)
	e.Var(m.Data)
}
func (m *DBLongUpdateReq) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.SegFlag = d.U32()
	m.CommitMode = d.U32()
	m.Table = d.Fixed(TableLen)
	m.Field = d.Fixed(TableLen)
	m.Data = d.Var()
}

// DBLongUpdateRes 长字段更新结果（m_Result / m_Error）
type DBLongUpdateRes struct {
	QueryID uint32
	Result  uint32
	Error   string
}

func (*DBLongUpdateRes) MsgID() uint32 { return MsgDBQueryLongUpdateRes }
func (m *DBLongUpdateRes) Encode(e *Encoder) {
	e.U32(m.QueryID)
	e.U32(m.Result)
	e.VarString(m.Error)
}
func (m *DBLongUpdateRes) Decode(d *Decoder) {
	m.QueryID = d.U32()
	m.Result = d.U32()
	m.Error = d.VarString()
}
