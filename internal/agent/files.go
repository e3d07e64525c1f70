// ABOUTME: Filesystem request handler with root-based path confinement.
// ABOUTME: Serves read/write/list/mkdir/delete/rename actions from the relay.

package agent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

// ErrPathOutsideRoots is returned for paths escaping the allowed roots.
var ErrPathOutsideRoots = errors.New("path outside allowed roots")

// FileHandler serves filesystem actions confined to a set of root
// directories. An empty root list allows nothing.
type FileHandler struct {
	Roots []string
}

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// resolve cleans the path and verifies it sits under an allowed root.
func (h *FileHandler) resolve(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	for _, root := range h.Roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", ErrPathOutsideRoots
}

// Handle executes one file action and returns the result to forward.
func (h *FileHandler) Handle(p *protocol.FilePayload) protocol.ResultPayload {
	data, err := h.run(p)
	if err != nil {
		return protocol.ResultPayload{Action: p.Action, Success: false, Error: err.Error()}
	}
	return protocol.ResultPayload{Action: p.Action, Success: true, Data: data}
}

func (h *FileHandler) run(p *protocol.FilePayload) (json.RawMessage, error) {
	path, err := h.resolve(p.Path)
	if err != nil {
		return nil, err
	}

	switch p.Action {
	case "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"content": string(content)})

	case "write":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"written": true})

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		list := make([]fileEntry, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			list = append(list, fileEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		return json.Marshal(map[string]any{"entries": list})

	case "mkdir":
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"created": true})

	case "delete":
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"deleted": true})

	case "rename":
		dest, err := h.resolve(p.NewPath)
		if err != nil {
			return nil, err
		}
		if err := os.Rename(path, dest); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"renamed": true})

	default:
		return nil, errors.New("unknown file action " + p.Action)
	}
}
