package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/nafabric/nafabric/internal/wire"
)

// 角色名前缀，出口编码、入口解码
const (
	ParserPrefix    = "PARSER_"
	ConnectorPrefix = "CONNECTOR_"
)

// QualifiedName 给 Parser/Connector 名称加角色前缀，已带前缀时原样返回
func QualifiedName(t wire.ProcessType, name string) string {
	prefix := rolePrefix(t)
	if prefix == "" || strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// BareName 去掉角色前缀
func BareName(t wire.ProcessType, name string) string {
	return strings.TrimPrefix(name, rolePrefix(t))
}

func rolePrefix(t wire.ProcessType) string {
	switch t {
	case wire.ProcParser:
		return ParserPrefix
	case wire.ProcConnector:
		return ConnectorPrefix
	default:
		return ""
	}
}

// splitEndpoint 端点写法：unix:/path、tcp:host:port、以 / 或 . 开头的路径视为 unix，其它视为 tcp
func splitEndpoint(endpoint string) (network, addr string) {
	switch {
	case strings.HasPrefix(endpoint, "unix:"):
		return "unix", strings.TrimPrefix(endpoint, "unix:")
	case strings.HasPrefix(endpoint, "tcp:"):
		return "tcp", strings.TrimPrefix(endpoint, "tcp:")
	case strings.HasPrefix(endpoint, "/"), strings.HasPrefix(endpoint, "."):
		return "unix", endpoint
	default:
		return "tcp", endpoint
	}
}

// Listen 在端点上监听；unix 端点会先清理残留的 socket 文件
func Listen(endpoint string) (net.Listener, error) {
	network, addr := splitEndpoint(endpoint)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(addr), 0755); err != nil {
			return nil, fmt.Errorf("create endpoint dir: %w", err)
		}
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return ln, nil
}

// DialEndpoint 连接端点
func DialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	network, addr := splitEndpoint(endpoint)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// RoleEndpoint Manager 为某一角色创建的本地端点路径
func RoleEndpoint(runDir, managerID, role string) string {
	return filepath.Join(runDir, fmt.Sprintf("%s_%s.sock", managerID, strings.ToLower(role)))
}
