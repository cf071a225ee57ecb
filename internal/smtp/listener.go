package smtp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// listen 便于测试替换
var listen = net.Listen

// Listen 绑定 host:port；权限不足且 fallbackPort 非 0 时改绑 fallbackPort。
//
// 其他绑定失败原样返回，由调用方决定进程退出。
func Listen(host string, port, fallbackPort int, logger *zap.Logger) (net.Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, os.ErrPermission) || fallbackPort == 0 || fallbackPort == port {
		return nil, fmt.Errorf("bind smtp listener %s: %w", addr, err)
	}

	fallback := net.JoinHostPort(host, strconv.Itoa(fallbackPort))
	logger.Warn("permission denied on smtp port, falling back",
		zap.String("address", addr),
		zap.String("fallback", fallback),
		zap.Error(err),
	)

	ln, err = listen("tcp", fallback)
	if err != nil {
		return nil, fmt.Errorf("bind smtp fallback listener %s: %w", fallback, err)
	}
	return ln, nil
}
