package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol 是代理声称支持的协议。
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ParseProtocol 将源网站或文件中的协议字符串归一化。空字符串视为 HTTP。
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "socks4", "socks4a":
		return ProtocolSOCKS4, nil
	case "socks5", "socks5h", "socks":
		return ProtocolSOCKS5, nil
	}
	return "", fmt.Errorf("unknown proxy protocol %q", s)
}

// ProxyCandidate 是一个尚未验证的代理端点。
// 它是可比较的值类型，可直接用作 map 的键，相等性由 (Host, Port, Protocol) 决定。
type ProxyCandidate struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// Addr 返回 "host:port" 形式的地址。
func (c ProxyCandidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String 返回带协议前缀的地址，例如 "socks5://1.2.3.4:1080"。
func (c ProxyCandidate) String() string {
	return string(c.Protocol) + "://" + c.Addr()
}

// URL 返回可交给 http.ProxyURL 等使用的代理 URL。
// HTTPS 代理按 HTTP CONNECT 方式访问，因此使用 http 方案。
func (c ProxyCandidate) URL() *url.URL {
	scheme := string(c.Protocol)
	if c.Protocol == ProtocolHTTPS || c.Protocol == "" {
		scheme = string(ProtocolHTTP)
	}
	return &url.URL{Scheme: scheme, Host: c.Addr()}
}

// ParseCandidate 解析 "host:port" 或 "scheme://host:port"。
// 未带协议前缀时使用 defaultProto。
func ParseCandidate(s string, defaultProto Protocol) (ProxyCandidate, error) {
	s = strings.TrimSpace(s)
	proto := defaultProto
	if i := strings.Index(s, "://"); i >= 0 {
		p, err := ParseProtocol(s[:i])
		if err != nil {
			return ProxyCandidate{}, err
		}
		proto = p
		s = s[i+3:]
	}
	if proto == "" {
		proto = ProtocolHTTP
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ProxyCandidate{}, fmt.Errorf("invalid proxy address %q: %w", s, err)
	}
	if host == "" {
		return ProxyCandidate{}, fmt.Errorf("invalid proxy address %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ProxyCandidate{}, fmt.Errorf("invalid proxy port in %q", s)
	}
	return ProxyCandidate{Host: host, Port: port, Protocol: proto}, nil
}

// Outcome 是一次探测的结果分类。
type Outcome string

const (
	OutcomeWorking Outcome = "working"
	OutcomeFailed  Outcome = "failed"
)

// ProxyResult 是对一个候选代理的单次测试结果，创建后不再修改。
// 对于 FAILED，Latency 仅记录到失败为止的耗时，用于诊断而不参与排序。
type ProxyResult struct {
	Candidate ProxyCandidate
	Latency   time.Duration
	TestedAt  time.Time
	Outcome   Outcome
	Err       error
}

func (r ProxyResult) Working() bool { return r.Outcome == OutcomeWorking }

// WorkingEntry 是已排序可用列表中的一个元素。
type WorkingEntry struct {
	Candidate ProxyCandidate `json:"candidate"`
	Latency   time.Duration  `json:"latency"`
}

// LatencyMillis 以毫秒 (浮点) 返回延迟。
func (e WorkingEntry) LatencyMillis() float64 {
	return float64(e.Latency) / float64(time.Millisecond)
}

// BlacklistEntry 记录一个验证失败的代理。
type BlacklistEntry struct {
	Candidate    ProxyCandidate `json:"candidate"`
	FailedAt     time.Time      `json:"failed_at"`
	FailureCount int            `json:"failure_count"`
}
