// ABOUTME: Host description sent with agent authentication.

package agent

import (
	"os"
	"os/user"
	"runtime"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

// CollectSystemInfo gathers the host facts the relay shows alongside
// the agent in the roster.
func CollectSystemInfo() protocol.SystemInfo {
	info := protocol.SystemInfo{
		OS:       runtime.GOOS,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
		info.HomeDir = u.HomeDir
	}
	return info
}
