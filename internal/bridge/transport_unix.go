//go:build !windows
// +build !windows

package bridge

import (
	"context"
	"net"
)

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
