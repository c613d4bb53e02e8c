package dashboard

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hitushen/snmpdash/internal/models"
)

const bytesPerMB = 1024 * 1024

// Row 是设备表中的一行。
type Row struct {
	Device    models.Device
	Selected  bool
	CPU       string
	CPUStatus string
	UsedMB    string
	FreeMB    string
	TotalMB   string
	MemStatus string
}

// Rows 计算表格各列，缺失的指标按 0 与 good 处理。
func Rows(devices []models.Device, pending []int64) []Row {
	rows := make([]Row, 0, len(devices))
	for _, d := range devices {
		row := Row{
			Device:    d,
			Selected:  Contains(pending, d.ID),
			CPU:       "0%",
			CPUStatus: models.MetricGood,
			MemStatus: models.MetricGood,
		}
		if cpu := d.Measurements.CPU; cpu != nil {
			row.CPU = strconv.FormatFloat(cpu.Value, 'f', -1, 64) + "%"
			if cpu.Status != "" {
				row.CPUStatus = cpu.Status
			}
		}
		var used, free float64
		if mem := d.Measurements.Memory; mem != nil {
			used, free = mem.UsedBytes, mem.FreeBytes
			if mem.Status != "" {
				row.MemStatus = mem.Status
			}
		}
		row.UsedMB = FormatMB(used)
		row.FreeMB = FormatMB(free)
		row.TotalMB = FormatMB(used + free)
		rows = append(rows, row)
	}
	return rows
}

// FormatMB 把字节数换算为整数 MB，半数向上取整。
func FormatMB(bytes float64) string {
	return fmt.Sprintf("%.0f MB", math.Floor(bytes/bytesPerMB+0.5))
}

// Title 返回按角色区分的页面标题。
func Title(role string) string {
	if role == models.RoleAdmin {
		return "Network Device Dashboard (Admin View)"
	}
	return "My Devices (User View)"
}

// ContextIndicator 描述当前展示范围。
func ContextIndicator(active bool, total, shown int) string {
	if active && total > 0 {
		return fmt.Sprintf("Filtered: Displaying %d out of %d total devices in your scope.", shown, total)
	}
	return fmt.Sprintf("Displaying all %d devices in your scope.", total)
}
