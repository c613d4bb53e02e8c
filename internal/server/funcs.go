package server

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/models"
)

var funcs = template.FuncMap{
	"metricClass": metricClass,
	"statusClass": statusClass,
	"join":        strings.Join,
	"mb":          dashboard.FormatMB,
	"orNA":        orNA,
	"uptime":      uptime,
	"when":        when,
	"selected":    func(a, b int64) bool { return a == b },
}

// metricClass 把阈值状态映射为样式类，未知状态按 good 处理。
func metricClass(status string) string {
	switch status {
	case models.MetricWarning, models.MetricCritical:
		return "metric-" + status
	}
	return "metric-good"
}

func statusClass(status string) string {
	switch strings.ToLower(status) {
	case models.DeviceStatusUp, models.PortStatusOpen:
		return "badge-up"
	case models.DeviceStatusWarning:
		return "badge-warning"
	case models.DeviceStatusDown, models.PortStatusClosed:
		return "badge-down"
	}
	return "badge-unknown"
}

func orNA(v any) string {
	switch x := v.(type) {
	case nil:
		return "N/A"
	case string:
		if strings.TrimSpace(x) == "" {
			return "N/A"
		}
		return x
	case float64:
		return fmt.Sprintf("%.2f", x)
	}
	return fmt.Sprint(v)
}

func uptime(v any) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprint(v)
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
