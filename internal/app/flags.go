package app

import (
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
)

// Flags 工作进程命令行参数，由 Manager 按 CMD_START_PROCESS 拼接
type Flags struct {
	Name            string
	SvrIP           string
	SvrPort         int
	SvrPath         string
	RuleID          string
	DelayTime       uint
	CmdIdentType    uint
	CmdResponseType uint
	LogCycle        string
	PortNo          uint
	Consumers       string
	Config          string
	Selfcare        bool
	Alone           bool
	SessionID       int
}

// ParseFlags 解析命令行；args 不含程序名
func ParseFlags(prog string, args []string) (*Flags, error) {
	f := &Flags{SessionID: -1}
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.Name, "name", "", "process id")
	fs.StringVar(&f.SvrIP, "svrip", "", "upstream ip")
	fs.IntVar(&f.SvrPort, "svrport", 0, "upstream port")
	fs.StringVar(&f.SvrPath, "svrpath", "", "upstream local endpoint")
	fs.StringVar(&f.RuleID, "ruleid", "", "parsing rule id")
	fs.UintVar(&f.DelayTime, "delaytime", 0, "start delay seconds")
	fs.UintVar(&f.CmdIdentType, "cmd_ident_type", 0, "command ident type")
	fs.UintVar(&f.CmdResponseType, "cmd_response_type", 0, "command response type")
	fs.StringVar(&f.LogCycle, "log_cycle", "", "log file cycle: hour|day")
	fs.UintVar(&f.PortNo, "portno", 0, "listen port")
	fs.StringVar(&f.Consumers, "consumers", "", "comma separated data handler ids")
	fs.StringVar(&f.Config, "config", "", "config file path")
	fs.BoolVar(&f.Selfcare, "selfcare", false, "run under a restarting watchdog")
	fs.BoolVar(&f.Alone, "alone", false, "gateway child mode")
	fs.IntVar(&f.SessionID, "sessionid", -1, "inherited session fd")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", prog, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%s: unexpected arguments %v", prog, fs.Args())
	}
	if f.Alone && f.SessionID < 0 {
		return nil, fmt.Errorf("%s: -alone requires -sessionid", prog)
	}
	return f, nil
}

// ManagerEndpoint 上联端点：-svrpath 优先，其次 -svrip/-svrport
func (f *Flags) ManagerEndpoint() string {
	if f.SvrPath != "" {
		return f.SvrPath
	}
	if f.SvrPort > 0 {
		ip := f.SvrIP
		if ip == "" {
			ip = "127.0.0.1"
		}
		return net.JoinHostPort(ip, strconv.Itoa(f.SvrPort))
	}
	return ""
}

// ConsumerList -consumers 拆分后的数据处理器 ID
func (f *Flags) ConsumerList() []string {
	var out []string
	for _, c := range strings.Split(f.Consumers, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// QualifiedName 带角色前缀的进程名，也是日志文件名前缀
func (f *Flags) QualifiedName(t wire.ProcessType) string {
	if f.Name == "" {
		return t.String()
	}
	return session.QualifiedName(t, f.Name)
}

// WithoutSelfcare 去掉 -selfcare 后的参数，供看门狗重新拉起自身
func WithoutSelfcare(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "-selfcare", "--selfcare", "-selfcare=true", "--selfcare=true":
			continue
		}
		out = append(out, a)
	}
	return out
}
