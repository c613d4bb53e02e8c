package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"
)

// Runner 对一组目标做 TCP 连接探测，返回开放的端口集合。
type Runner func(ctx context.Context, hosts []string, ports []int, timeout time.Duration, threads int) (map[int]bool, error)

// NaabuRunner 使用 naabu 的 connect 扫描，无需特权。
func NaabuRunner(ctx context.Context, hosts []string, ports []int, timeout time.Duration, threads int) (map[int]bool, error) {
	if len(hosts) == 0 || len(ports) == 0 {
		return nil, fmt.Errorf("nothing to probe")
	}

	var mu sync.Mutex
	open := make(map[int]bool)
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range hr.Ports {
			if p != nil {
				open[p.Port] = true
			}
		}
	}

	list := make([]string, len(ports))
	for i, p := range ports {
		list[i] = strconv.Itoa(p)
	}

	opts := runner.Options{
		Host:     goflags.StringSlice(hosts),
		ScanType: "c",
		OnResult: onResult,
		NoColor:  true,
		Silent:   true,
		Stream:   true,
		Ports:    strings.Join(list, ","),
		Retries:  1,
		Rate:     1000,
		Threads:  threads,
		Timeout:  timeout,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, fmt.Errorf("naabu enumeration: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return open, nil
}
