package installserver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/deployr/internal/protocol"
)

// AgentLogDir holds log files an agent leaves for the next command.
const AgentLogDir = ".agent-logs"

// AgentLogPath returns the agent log directory of pkg under dataRoot.
func AgentLogPath(dataRoot, pkg string) string {
	return filepath.Join(dataRoot, pkg, "code_cache", AgentLogDir)
}

// agentLogs reads and consumes every agent log file of the package.
func (h *Handler) agentLogs(req *protocol.AgentLogRequest) *protocol.AgentLogResponse {
	resp := &protocol.AgentLogResponse{}
	if req.PackageName == "" || strings.ContainsAny(req.PackageName, `/\`) || strings.HasPrefix(req.PackageName, ".") {
		h.events.Error("invalid package name " + req.PackageName)
		return resp
	}
	dir := AgentLogPath(h.DataRoot, req.PackageName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.events.Error("could not list agent logs: " + err.Error())
		}
		return resp
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			h.events.Error("could not read agent log " + e.Name() + ": " + err.Error())
			continue
		}
		resp.Logs = append(resp.Logs, protocol.AgentLog{Source: e.Name(), Lines: splitLines(string(b))})
		if err := os.Remove(p); err != nil {
			h.log.Warn("could not remove agent log", "path", p, "error", err)
		}
	}
	return resp
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
