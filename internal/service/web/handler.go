package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"fastproxy_pool/internal/shared/logger"
	manager "fastproxy_pool/proxypool"
	"fastproxy_pool/proxypool/model"
)

// PoolController 定义了 web handler 与代理池交互所需的接口。
// This decouples the web package from the manager's lifecycle.
type PoolController interface {
	GetProxy() (model.ProxyCandidate, bool)
	GetProxyList(n int) []model.ProxyCandidate
	Working() []model.WorkingEntry
	Blacklisted() []model.BlacklistEntry
	Refresh(ctx context.Context) (*manager.RefreshReport, error)
	ReportFailure(c model.ProxyCandidate) bool
	Status() manager.Status
}

// GET /api/proxies 未指定 n 时返回的数量。
const defaultListSize = 10

type proxyView struct {
	Proxy     string         `json:"proxy"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Protocol  model.Protocol `json:"protocol"`
	LatencyMs float64        `json:"latency_ms,omitempty"`
}

type blacklistView struct {
	Proxy        string    `json:"proxy"`
	FailedAt     time.Time `json:"failed_at"`
	FailureCount int       `json:"failure_count"`
}

func candidateView(c model.ProxyCandidate) proxyView {
	return proxyView{Proxy: c.String(), Host: c.Host, Port: c.Port, Protocol: c.Protocol}
}

func workingViews(entries []model.WorkingEntry) []proxyView {
	out := make([]proxyView, 0, len(entries))
	for _, e := range entries {
		v := candidateView(e.Candidate)
		v.LatencyMs = e.LatencyMillis()
		out = append(out, v)
	}
	return out
}

type Handler struct {
	// baseCtx 是异步刷新使用的上下文，随应用关闭而取消。
	baseCtx    context.Context
	controller PoolController
}

func NewHandler(baseCtx context.Context, controller PoolController) *Handler {
	return &Handler{
		baseCtx:    baseCtx,
		controller: controller,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response")
	}
}

// HandleGetProxy 处理 GET /api/proxy 请求。池为空时返回 {"proxy": null}。
func (h *Handler) HandleGetProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, ok := h.controller.GetProxy()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"proxy": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proxy": candidateView(c)})
}

// HandleGetProxies 处理 GET /api/proxies?n=5[&format=plain] 请求
func (h *Handler) HandleGetProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := defaultListSize
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "Invalid n", http.StatusBadRequest)
			return
		}
		n = v
	}

	// format=plain 每行一个代理 URL，方便 shell 脚本直接使用。
	if r.URL.Query().Get("format") == "plain" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, c := range h.controller.GetProxyList(n) {
			w.Write([]byte(c.String() + "\n"))
		}
		return
	}

	// 带上延迟信息，所以直接从 Working() 截取而不是 GetProxyList。
	entries := h.controller.Working()
	if n < len(entries) {
		entries = entries[:n]
	}
	writeJSON(w, http.StatusOK, workingViews(entries))
}

// HandleRefresh 处理 POST /api/refresh 请求。
// 默认在后台执行并立即返回 202；?wait=true 时同步等待并返回本次报告。
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	l := logger.WithComponent("Web/Handler")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := h.controller.Refresh(r.Context())
		if err != nil {
			http.Error(w, "Refresh abandoned: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	go func() {
		if _, err := h.controller.Refresh(h.baseCtx); err != nil {
			l.Warn().Err(err).Msg("Background refresh abandoned.")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Refresh started in the background."})
}

type reportRequest struct {
	Proxy    string `json:"proxy"`
	Protocol string `json:"protocol,omitempty"`
}

// HandleReport 处理 POST /api/report 请求。
// body 为 {"proxy":"1.2.3.4:1080","protocol":"socks5"} 或 {"proxy":"socks5://1.2.3.4:1080"}。
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	proto := model.ProtocolHTTP
	if req.Protocol != "" {
		p, err := model.ParseProtocol(req.Protocol)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		proto = p
	}
	c, err := model.ParseCandidate(req.Proxy, proto)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	removed := h.controller.ReportFailure(c)
	writeJSON(w, http.StatusOK, map[string]interface{}{"proxy": c.String(), "removed": removed})
}

// HandleBlacklist 处理 GET /api/blacklist 请求
func (h *Handler) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := h.controller.Blacklisted()
	out := make([]blacklistView, 0, len(entries))
	for _, e := range entries {
		out = append(out, blacklistView{Proxy: e.Candidate.String(), FailedAt: e.FailedAt.UTC(), FailureCount: e.FailureCount})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatus 是公开的状态接口。
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type StatusResponse struct {
		manager.Status
		Fastest    *proxyView `json:"fastest,omitempty"`
		LastErrors string     `json:"last_source_errors,omitempty"`
	}

	status := h.controller.Status()
	resp := StatusResponse{Status: status}
	if c, ok := h.controller.GetProxy(); ok {
		v := candidateView(c)
		resp.Fastest = &v
	}
	if status.LastReport != nil && status.LastReport.SourceErrors != nil {
		resp.LastErrors = status.LastReport.SourceErrors.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
