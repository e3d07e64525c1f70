// ABOUTME: Version-control request handler shelling out to git.
// ABOUTME: Serves a fixed set of repository actions with confined workdirs.

package agent

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

const gitTimeout = 30 * time.Second

// gitActions maps request actions to git argument templates. Keeping a
// closed set means arbitrary argv never reaches the shell.
var gitActions = map[string][]string{
	"status":   {"status", "--porcelain=v1", "--branch"},
	"diff":     {"diff"},
	"log":      {"log", "--oneline", "-20"},
	"branches": {"branch", "--list", "--format=%(refname:short)"},
}

// GitHandler runs git commands inside a working directory named by the
// request.
type GitHandler struct {
	Files *FileHandler // reused for working-directory confinement
}

type gitParams struct {
	Path    string `json:"path,omitempty"`    // limit diff to a path
	Branch  string `json:"branch,omitempty"`  // checkout target
	Message string `json:"message,omitempty"` // commit message
}

func (h *GitHandler) Handle(ctx context.Context, p *protocol.GitPayload) protocol.ResultPayload {
	dir, err := h.Files.resolve(p.WorkingDirectory)
	if err != nil {
		return protocol.ResultPayload{Action: p.Action, Success: false, Error: err.Error()}
	}

	var params gitParams
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &params); err != nil {
			return protocol.ResultPayload{Action: p.Action, Success: false, Error: "malformed params"}
		}
	}

	args, ok := gitActions[p.Action]
	if !ok {
		switch {
		case p.Action == "checkout" && params.Branch != "":
			args = []string{"checkout", params.Branch}
		case p.Action == "commit" && params.Message != "":
			args = []string{"commit", "-am", params.Message}
		default:
			return protocol.ResultPayload{Action: p.Action, Success: false, Error: "unknown git action " + p.Action}
		}
	}
	if p.Action == "diff" && params.Path != "" {
		args = append(append([]string{}, args...), "--", params.Path)
	}

	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return protocol.ResultPayload{
			Action:  p.Action,
			Success: false,
			Error:   strings.TrimSpace(string(output)) + ": " + err.Error(),
		}
	}

	data, _ := json.Marshal(map[string]string{"output": string(output)})
	return protocol.ResultPayload{Action: p.Action, Success: true, Data: data}
}
