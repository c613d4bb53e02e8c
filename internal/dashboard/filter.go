package dashboard

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/hitushen/snmpdash/internal/models"
)

// Visible 从完整列表派生可见设备：筛选开启且已应用的选择非空时只保留选中的设备，
// 再按名称做不区分大小写的包含匹配，保持原有顺序。
func Visible(devices []models.Device, applied []int64, active bool, search string) []models.Device {
	var selected map[int64]struct{}
	if active && len(applied) > 0 {
		selected = make(map[int64]struct{}, len(applied))
		for _, id := range applied {
			selected[id] = struct{}{}
		}
	}
	term := strings.ToLower(search)

	out := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if selected != nil {
			if _, ok := selected[d.ID]; !ok {
				continue
			}
		}
		if term != "" && (d.Name == "" || !strings.Contains(strings.ToLower(d.Name), term)) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ParseIDs 解析逗号拼接的 ID 列表，无法解析的项直接丢弃。
func ParseIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		if id, ok := LeadingInt(strings.TrimSpace(part)); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// JoinIDs 把 ID 列表拼接为线上格式。
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// ValidateIDs 只保留当前设备列表中存在的 ID，保持原有顺序。
func ValidateIDs(ids []int64, devices []models.Device) []int64 {
	known := make(map[int64]struct{}, len(devices))
	for _, d := range devices {
		known[d.ID] = struct{}{}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Toggle 对选择做对称的加入或移除。
func Toggle(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	found := false
	for _, v := range ids {
		if v == id {
			found = true
			continue
		}
		out = append(out, v)
	}
	if !found {
		out = append(out, id)
	}
	return out
}

// Contains 判断 ID 是否在选择中。
func Contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sameIDSet(a, b []models.Device) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]int, len(a))
	for _, d := range a {
		seen[d.ID]++
	}
	for _, d := range b {
		if seen[d.ID] == 0 {
			return false
		}
		seen[d.ID]--
	}
	return true
}

// LeadingInt 解析字符串开头的十进制整数，允许前导空白与符号，忽略其后的任意内容。
func LeadingInt(s string) (int64, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
