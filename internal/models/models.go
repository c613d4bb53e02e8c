package models

import (
	"encoding/json"
	"time"
)

// User 表示后端返回的已认证账户信息。
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// IsAdmin 判断用户是否为管理员。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// 用户角色。
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// 设备状态枚举。
const (
	DeviceStatusUp      = "up"
	DeviceStatusDown    = "down"
	DeviceStatusWarning = "warning"
)

// 指标状态，对应后端阈值计算结果。
const (
	MetricGood     = "good"
	MetricWarning  = "warning"
	MetricCritical = "critical"
)

// Device 表示仪表盘列表中的一台设备，只读缓存，由后端维护。
type Device struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	IPAddress    string       `json:"ip_address"`
	Status       string       `json:"status"`
	Measurements Measurements `json:"measurements"`
	Model        *ModelRef    `json:"model,omitempty"`
	Owner        *Owner       `json:"user,omitempty"`
}

// ModelRef 是设备所属型号的简要信息。
type ModelRef struct {
	ID        int64  `json:"id"`
	ModelName string `json:"model_name"`
}

// Owner 是设备归属用户。
type Owner struct {
	Username string `json:"username"`
}

// Measurements 汇总设备最近一次采集的指标。
type Measurements struct {
	CPU    *CPUReading    `json:"cpu,omitempty"`
	Memory *MemoryReading `json:"memory,omitempty"`
	Uptime any            `json:"uptime,omitempty"`
}

// CPUReading 是 CPU 使用率及其阈值状态。
type CPUReading struct {
	Value  float64 `json:"value"`
	Status string  `json:"status"`
}

// MemoryReading 是内存用量（字节）及其阈值状态。
type MemoryReading struct {
	UsedBytes float64 `json:"used_bytes"`
	FreeBytes float64 `json:"free_bytes"`
	Status    string  `json:"status"`
}

// InterfaceRow 是设备详情页接口表中的一行。
type InterfaceRow struct {
	ID             int64   `json:"id"`
	IfIndex        int64   `json:"ifIndex"`
	IfName         string  `json:"ifName"`
	IfDescr        string  `json:"ifDescr"`
	IfAlias        string  `json:"ifAlias"`
	BandwidthInMB  float64 `json:"bandwidth_in_mb"`
	BandwidthOutMB float64 `json:"bandwidth_out_mb"`
	Status         string  `json:"status"`
}

// CatalogModel 是 /models/ 返回的扁平型号列表项。
type CatalogModel struct {
	ID        int64  `json:"id"`
	ModelName string `json:"model_name"`
}

// NewDevice 是新增设备表单提交的内容。
type NewDevice struct {
	Name      string `json:"name"`
	IPAddress string `json:"ip_address"`
	ModelID   int64  `json:"model_id"`
}

// Brand 是品牌参考数据。
type Brand struct {
	ID   int64  `json:"id"`
	Name string `json:"brand_name"`
}

// DeviceType 是设备类型参考数据。
type DeviceType struct {
	ID   int64  `json:"id"`
	Name string `json:"type_name"`
}

// ModelCatalogEntry 是发现向导中可选的型号，按品牌与类型归类。
type ModelCatalogEntry struct {
	ID      int64  `json:"id"`
	BrandID int64  `json:"brandId"`
	TypeID  int64  `json:"typeId"`
	Display string `json:"display"`
}

// Metadata 是发现向导一次性预取的参考数据。
type Metadata struct {
	Brands []Brand             `json:"brands"`
	Types  []DeviceType        `json:"types"`
	Models []ModelCatalogEntry `json:"models"`
}

// DiscoveryCredentials 是发起 SNMPv3 发现所需的凭证。
type DiscoveryCredentials struct {
	IPAddress    string `json:"ipAddress"`
	Username     string `json:"username"`
	AuthPassword string `json:"authPassword"`
	PrivPassword string `json:"privPassword"`
}

// Measurement 是发现结果中的单项指标。
type Measurement struct {
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
	Note  string `json:"note,omitempty"`
}

// InterfaceStatus 中三个切片按下标一一对应同一个接口。
type InterfaceStatus struct {
	Names       []string `json:"names"`
	AdminStatus []string `json:"admin_status"`
	OperStatus  []string `json:"oper_status"`
	Indexes     []string `json:"indexes,omitempty"`
}

// DiscoveredDevice 是发现接口返回的设备数据，尚未入库。
type DiscoveredDevice struct {
	Hostname               string                 `json:"hostname"`
	IPAddress              string                 `json:"ip_address"`
	ModelIDRaw             string                 `json:"model_id_raw"`
	ApplicableMeasurements map[string]Measurement `json:"applicable_measurements"`
	Interfaces             *InterfaceStatus       `json:"interfaces"`

	// Raw 保存原始载荷，注册时原样回传作为审计记录。
	Raw json.RawMessage `json:"-"`
}

// RawDiscoveryData 包装注册请求中的原始发现数据。
type RawDiscoveryData struct {
	Data json.RawMessage `json:"data"`
}

// RegistrationRequest 是确认注册设备时提交的载荷。
type RegistrationRequest struct {
	IPAddress        string           `json:"ip_address"`
	Hostname         string           `json:"hostname"`
	ModelID          int64            `json:"model_id"`
	RawDiscoveryData RawDiscoveryData `json:"raw_discovery_data"`
}

// RegistrationResult 是注册成功后的设备摘要。
type RegistrationResult struct {
	Detail   string `json:"detail"`
	DeviceID int64  `json:"device_id"`
	Hostname string `json:"hostname"`
}

// FilterPreference 是按用户持久化的筛选偏好，ID 列表在线上以逗号拼接。
type FilterPreference struct {
	SelectedDeviceIDs string `json:"selected_device_ids"`
	IsFilterActive    bool   `json:"is_filter_active"`
}

// 管理端口探测结果状态。
const (
	PortStatusOpen    = "open"
	PortStatusClosed  = "closed"
	PortStatusUnknown = "unknown"
)

// ProbePort 是一次探测中单个端口的结果。
type ProbePort struct {
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ProbeRun 是设备最近一次管理端口探测的记录。
type ProbeRun struct {
	DeviceID   int64       `json:"deviceId"`
	Address    string      `json:"address"`
	Running    bool        `json:"running"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
	Ports      []ProbePort `json:"ports"`
}
