//go:build !linux

package proxy

import (
	"context"
	"net"
	"strconv"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
)

func listen(ctx context.Context, address string, port, backlog int) (net.Listener, error) {
	logger.Debug("Listen backlog %d is not applied on this platform", backlog)
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
}
