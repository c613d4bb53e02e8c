package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/models"
)

// SNMPNoOIDSentinel 是后端在 OID 不存在时写入的取值。
const SNMPNoOIDSentinel = "SNMP Error: No OID Found"

// MeasurementView 是一项指标的展示结果。
type MeasurementView struct {
	Key        string
	Label      string
	Value      string
	Annotation string
	// Unavailable 为 true 时 Value 是不可用提示而不是读数。
	Unavailable bool
	Error       bool
}

// InterfaceTag 是一个管理状态为 up 的接口。
type InterfaceTag struct {
	Name string
	Up   bool
}

// FormatKeyName 把 cpu_usage 转为 Cpu Usage。
func FormatKeyName(key string) string {
	parts := strings.Split(key, "_")
	for i, w := range parts {
		r, size := utf8.DecodeRuneInString(w)
		if size == 0 {
			continue
		}
		parts[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(parts, " ")
}

// FormatMeasurement 按指标键渲染取值：出错或哨兵值显示 N/A，内存按字节换算为 MB，CPU 加百分号。
func FormatMeasurement(key string, m models.Measurement) MeasurementView {
	view := MeasurementView{Key: key, Label: FormatKeyName(key), Annotation: annotation(key)}
	raw := valueText(m.Value)

	switch {
	case strings.Contains(m.Note, "error"):
		view.Value, view.Unavailable, view.Error = "N/A (Error)", true, true
	case raw == SNMPNoOIDSentinel:
		view.Value, view.Unavailable = "N/A", true
	case strings.Contains(key, "memory"):
		bytes, ok := dashboard.LeadingInt(raw)
		if !ok {
			view.Value, view.Unavailable = fmt.Sprintf("N/A (%s)", raw), true
			break
		}
		view.Value = fmt.Sprintf("%.2f MB", float64(bytes)/1024/1024)
	case strings.Contains(key, "cpu"):
		view.Value = raw + " %"
	default:
		view.Value = raw
	}
	return view
}

// Measurements 按键名排序渲染全部指标。
func Measurements(device *models.DiscoveredDevice) []MeasurementView {
	if device == nil {
		return nil
	}
	keys := make([]string, 0, len(device.ApplicableMeasurements))
	for k := range device.ApplicableMeasurements {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]MeasurementView, 0, len(keys))
	for _, k := range keys {
		out = append(out, FormatMeasurement(k, device.ApplicableMeasurements[k]))
	}
	return out
}

// InterfaceTags 只返回管理状态以 up 开头的接口，Up 取决于运行状态。
func InterfaceTags(ifs *models.InterfaceStatus) []InterfaceTag {
	if ifs == nil {
		return nil
	}
	var tags []InterfaceTag
	for i, name := range ifs.Names {
		if !strings.HasPrefix(at(ifs.AdminStatus, i), "up") {
			continue
		}
		tags = append(tags, InterfaceTag{Name: name, Up: strings.HasPrefix(at(ifs.OperStatus, i), "up")})
	}
	return tags
}

// InterfaceCounts 返回接口总数与运行状态为 up 的数量。
func InterfaceCounts(ifs *models.InterfaceStatus) (total, active int) {
	if ifs == nil {
		return 0, 0
	}
	for _, s := range ifs.OperStatus {
		if strings.HasPrefix(s, "up") {
			active++
		}
	}
	return len(ifs.Names), active
}

// at 在三个列表长度不一致时按缺失处理。
func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

func annotation(key string) string {
	switch {
	case strings.Contains(key, "cpu"):
		return "(Last 5 Mins)"
	case strings.Contains(key, "memory"):
		return "(Estimated)"
	}
	return ""
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
