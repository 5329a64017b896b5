package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/agentbox/agentbox/internal/backend"
)

type hostInfo struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryPercent float64 `json:"memoryPercent"`
}

type infoResponse struct {
	Backend *backend.Info `json:"backend"`
	Host    *hostInfo     `json:"host,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.Sandboxes.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := infoResponse{Backend: info}
	// Host metrics are best effort, the endpoint stays useful without them.
	if h, err := collectHostInfo(r); err == nil {
		resp.Host = h
	} else {
		log.Printf("host info unavailable: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func collectHostInfo(r *http.Request) (*hostInfo, error) {
	ctx := r.Context()
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := &hostInfo{
		Hostname:      hi.Hostname,
		Platform:      hi.Platform,
		UptimeSeconds: hi.Uptime,
		MemoryTotal:   vm.Total,
		MemoryUsed:    vm.Used,
		MemoryPercent: vm.UsedPercent,
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	return out, nil
}
