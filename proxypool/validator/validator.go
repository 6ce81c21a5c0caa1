package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

const (
	DefaultValidationTarget = "http://www.gstatic.com/generate_204"
	// 探测只需要确认响应完整到达，读取超过该长度的正文没有意义。
	maxProbeBody = 64 << 10
)

// Validator 通过候选代理请求一个固定的低成本目标来测量可达性和延迟。
// 它是无状态的，可被多个 goroutine 并发使用。
type Validator struct {
	target string
}

func NewValidator(target string) *Validator {
	if target == "" {
		target = DefaultValidationTarget
	}
	return &Validator{target: target}
}

// Target 返回探测目标 URL。
func (v *Validator) Target() string { return v.target }

// Test 对单个候选代理执行一次探测。它从不返回 error：
// 所有失败都被分类后记录在结果的 Outcome 和 Err 中。
func (v *Validator) Test(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) model.ProxyResult {
	start := time.Now()
	err := v.probe(ctx, c, timeout)
	result := model.ProxyResult{
		Candidate: c,
		Latency:   time.Since(start),
		TestedAt:  time.Now(),
		Outcome:   model.OutcomeWorking,
	}
	if err != nil {
		result.Outcome = model.OutcomeFailed
		result.Err = err
		l := logger.WithComponent("ProxyPool/Validator")
		l.Debug().
			Str("proxy", c.String()).Err(err).Dur("elapsed", result.Latency).Msg("Probe failed.")
	}
	return result
}

func (v *Validator) probe(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := NewTransport(c, timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProbeConnectionFailed, err)
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProbeConnectionFailed, err)
	}

	client := &http.Client{Transport: transport, Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status code %d", model.ErrProbeBadResponse, resp.StatusCode)
	}
	// 延迟计到响应完整接收为止。
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody)); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// classify 将传输层错误映射到超时或连接失败。
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", model.ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", model.ErrProbeConnectionFailed, err)
}

// NewTransport 构建一个经由候选代理转发的 http.Transport。
// 只做透传：HTTP/HTTPS 使用 CONNECT/绝对 URI，SOCKS4/SOCKS5 通过拨号器。
// 调用方也可以用它让自己的请求走代理池中的代理。
func NewTransport(c model.ProxyCandidate, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       timeout,
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}

	switch c.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS, "":
		transport.Proxy = http.ProxyURL(c.URL())
		transport.DialContext = dialer.DialContext
	case model.ProtocolSOCKS5:
		d, err := proxy.SOCKS5("tcp", c.Addr(), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	case model.ProtocolSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", c.Addr(), timeout))
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, func() (net.Conn, error) { return dial(network, addr) })
		}
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", c.Protocol)
	}
	return transport, nil
}

// dialWithContext 让不支持 context 的拨号函数在 ctx 结束时尽早返回。
func dialWithContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := dial()
		ch <- dialResult{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
