package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 引擎配置
//
// 所有阈值在启动时从环境变量加载一次并校验，之后作为只读值注入各组件。
// 外层调用方的配置合并/持久化不在引擎范围内。
type Config struct {
	Database struct {
		Path string // sqlite 文件路径
	}

	Tracking struct {
		DistanceFilter          float64       // 最小记录间距（米）
		DisableElasticity       bool          // 禁用速度自适应过滤
		ElasticityMultiplier    float64       // 弹性过滤倍率（>=1）
		AllowIdenticalLocations bool          // 允许记录相同位置
		DesiredAccuracy         string        // high / medium / low
		LocationTimeout         time.Duration // 单次定位请求超时
		HeartbeatInterval       time.Duration // 心跳间隔，0 表示禁用
		StopTimeout             time.Duration // Moving->Stationary 滞后（分钟粒度）
		MotionTriggerDelay      time.Duration // Stationary->Moving 滞后
		DisableStopDetection    bool          // 禁用自动静止检测
		StopOnStationary        bool          // 静止时完全停止跟踪
		MinimumConfidence       int           // 活动置信度下限（0-100）
		TriggerActivities       []string      // 允许触发运动的活动类型，空表示不限
	}

	Geofence struct {
		MaxMonitoredRegions int  // 平台同时监控上限
		InitialTriggerEntry bool // 注册时已在围栏内则立即合成 ENTER
		Knockout            bool // EXIT 后将围栏从完整集合移除
		HighAccuracy        bool // 有活跃围栏时提升定位精度档位
	}

	Sync struct {
		URL               string
		Method            string
		Headers           map[string]string
		Params            map[string]string // 批量请求体的静态附加参数
		HTTPRootProperty  string            // 批量请求体的根属性名
		BatchSync         bool
		MaxBatchSize      int
		AutoSync          bool
		AutoSyncThreshold int
		HTTPTimeout       time.Duration
		MaxRetries        int
		RetryBaseDelay    time.Duration
		RetryMaxDelay     time.Duration
		Order             string // asc / desc（按时间戳）
	}

	Retention struct {
		MaxDays    int // 0 表示不按时间裁剪
		MaxRecords int // 0 表示不按条数裁剪
	}

	MQTT struct {
		Enabled     bool
		Broker      string
		ClientID    string
		Username    string
		Password    string
		TopicPrefix string // 设备数据与事件发布的主题前缀
		PublishQoS  int
	}

	Log struct {
		Level   string
		Format  string
		MaxDays int // 持久化日志按时间裁剪
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Path = getEnv("DB_PATH", "geotrail.db")

	cfg.Tracking.DistanceFilter = getEnvFloat("DISTANCE_FILTER", 10)
	cfg.Tracking.DisableElasticity = getEnvBool("DISABLE_ELASTICITY", false)
	cfg.Tracking.ElasticityMultiplier = getEnvFloat("ELASTICITY_MULTIPLIER", 1)
	cfg.Tracking.AllowIdenticalLocations = getEnvBool("ALLOW_IDENTICAL_LOCATIONS", false)
	cfg.Tracking.DesiredAccuracy = getEnv("DESIRED_ACCURACY", "high")
	cfg.Tracking.LocationTimeout = time.Duration(getEnvInt("LOCATION_TIMEOUT_SEC", 60)) * time.Second
	cfg.Tracking.HeartbeatInterval = time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SEC", 60)) * time.Second
	cfg.Tracking.StopTimeout = time.Duration(getEnvInt("STOP_TIMEOUT_MIN", 5)) * time.Minute
	cfg.Tracking.MotionTriggerDelay = time.Duration(getEnvInt("MOTION_TRIGGER_DELAY_MS", 0)) * time.Millisecond
	cfg.Tracking.DisableStopDetection = getEnvBool("DISABLE_STOP_DETECTION", false)
	cfg.Tracking.StopOnStationary = getEnvBool("STOP_ON_STATIONARY", false)
	cfg.Tracking.MinimumConfidence = getEnvInt("MINIMUM_ACTIVITY_CONFIDENCE", 75)
	cfg.Tracking.TriggerActivities = getEnvList("TRIGGER_ACTIVITIES", nil)

	cfg.Geofence.MaxMonitoredRegions = getEnvInt("GEOFENCE_MAX_MONITORED", 20)
	cfg.Geofence.InitialTriggerEntry = getEnvBool("GEOFENCE_INITIAL_TRIGGER_ENTRY", false)
	cfg.Geofence.Knockout = getEnvBool("GEOFENCE_KNOCKOUT", false)
	cfg.Geofence.HighAccuracy = getEnvBool("GEOFENCE_HIGH_ACCURACY", false)

	cfg.Sync.URL = getEnv("SYNC_URL", "")
	cfg.Sync.Method = strings.ToUpper(getEnv("SYNC_METHOD", "POST"))
	cfg.Sync.Headers = getEnvJSONMap("SYNC_HEADERS")
	cfg.Sync.Params = getEnvJSONMap("SYNC_PARAMS")
	cfg.Sync.HTTPRootProperty = getEnv("SYNC_ROOT_PROPERTY", "location")
	cfg.Sync.BatchSync = getEnvBool("SYNC_BATCH", true)
	cfg.Sync.MaxBatchSize = getEnvInt("SYNC_MAX_BATCH_SIZE", 250)
	cfg.Sync.AutoSync = getEnvBool("SYNC_AUTO", true)
	cfg.Sync.AutoSyncThreshold = getEnvInt("SYNC_AUTO_THRESHOLD", 1)
	cfg.Sync.HTTPTimeout = time.Duration(getEnvInt("SYNC_HTTP_TIMEOUT_SEC", 60)) * time.Second
	cfg.Sync.MaxRetries = getEnvInt("SYNC_MAX_RETRIES", 5)
	cfg.Sync.RetryBaseDelay = time.Duration(getEnvInt("SYNC_RETRY_BASE_MS", 1000)) * time.Millisecond
	cfg.Sync.RetryMaxDelay = time.Duration(getEnvInt("SYNC_RETRY_MAX_SEC", 300)) * time.Second
	cfg.Sync.Order = getEnv("SYNC_ORDER", "asc")

	cfg.Retention.MaxDays = getEnvInt("RETENTION_MAX_DAYS", 0)
	cfg.Retention.MaxRecords = getEnvInt("RETENTION_MAX_RECORDS", 0)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "geotrail")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "geotrail")
	cfg.MQTT.PublishQoS = getEnvInt("MQTT_PUBLISH_QOS", 1)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.MaxDays = getEnvInt("LOG_MAX_DAYS", 3)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 在边界处校验一次配置，引擎内部不再重复检查
func (c *Config) Validate() error {
	if c.Tracking.DistanceFilter < 0 {
		return fmt.Errorf("distance filter must be >= 0, got %v", c.Tracking.DistanceFilter)
	}
	if c.Tracking.ElasticityMultiplier < 1 {
		return fmt.Errorf("elasticity multiplier must be >= 1, got %v", c.Tracking.ElasticityMultiplier)
	}
	if c.Tracking.MinimumConfidence < 0 || c.Tracking.MinimumConfidence > 100 {
		return fmt.Errorf("minimum activity confidence must be in [0,100], got %d", c.Tracking.MinimumConfidence)
	}
	switch c.Tracking.DesiredAccuracy {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("invalid desired accuracy: %s", c.Tracking.DesiredAccuracy)
	}
	if c.Geofence.MaxMonitoredRegions <= 0 {
		return fmt.Errorf("geofence monitored ceiling must be > 0, got %d", c.Geofence.MaxMonitoredRegions)
	}
	switch c.Sync.Method {
	case "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("invalid sync method: %s", c.Sync.Method)
	}
	if c.Sync.MaxBatchSize <= 0 {
		return fmt.Errorf("sync max batch size must be > 0, got %d", c.Sync.MaxBatchSize)
	}
	if c.Sync.AutoSyncThreshold <= 0 {
		return fmt.Errorf("auto sync threshold must be > 0, got %d", c.Sync.AutoSyncThreshold)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync max retries must be >= 0, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.RetryBaseDelay <= 0 || c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return fmt.Errorf("invalid sync retry delays: base=%v max=%v", c.Sync.RetryBaseDelay, c.Sync.RetryMaxDelay)
	}
	switch c.Sync.Order {
	case "asc", "desc":
	default:
		return fmt.Errorf("invalid sync order: %s", c.Sync.Order)
	}
	if c.Retention.MaxDays < 0 || c.Retention.MaxRecords < 0 {
		return fmt.Errorf("retention limits must be >= 0")
	}
	if c.MQTT.PublishQoS < 0 || c.MQTT.PublishQoS > 2 {
		return fmt.Errorf("mqtt publish qos must be in [0,2], got %d", c.MQTT.PublishQoS)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList 解析逗号分隔列表，空值返回默认
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvJSONMap 解析 JSON 对象形式的环境变量（如请求头、静态参数）
// 解析失败按配置缺陷记录为空表，不中断启动
func getEnvJSONMap(key string) map[string]string {
	out := map[string]string{}
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return map[string]string{}
	}
	return out
}
