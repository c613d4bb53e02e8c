package targets

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// ErrEmpty 表示地址为空。
var ErrEmpty = errors.New("address is empty")

// Normalize 把设备地址规整为小写的主机或 IP，去掉协议、凭据、端口与路径。
func Normalize(address string) string {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return ""
	}
	if i := strings.Index(addr, "://"); i != -1 {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		} else {
			addr = addr[i+3:]
		}
	}
	addr = strings.TrimPrefix(addr, "//")
	if at := strings.LastIndexByte(addr, '@'); at != -1 {
		addr = addr[at+1:]
	}
	if cut := strings.IndexAny(addr, "/?#"); cut != -1 {
		addr = addr[:cut]
	}
	addr = strings.TrimSpace(addr)

	switch {
	case strings.HasPrefix(addr, "["):
		if end := strings.IndexByte(addr, ']'); end != -1 {
			addr = addr[1:end]
		}
	case strings.Count(addr, ":") == 1:
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
	}
	return strings.ToLower(strings.Trim(addr, "[] "))
}

// Resolver 抽象 DNS 查询，便于测试替换。
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Build 返回探测目标列表：规整后的地址在前，主机名再追加解析出的 IP。
func Build(ctx context.Context, r Resolver, address string) ([]string, error) {
	host := Normalize(address)
	if host == "" {
		return nil, ErrEmpty
	}
	if net.ParseIP(host) != nil || r == nil {
		return []string{host}, nil
	}

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := []string{host}
	seen := map[string]bool{host: true}
	for _, ip := range ips {
		if net.ParseIP(ip) == nil || seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, ip)
	}
	return out, nil
}
