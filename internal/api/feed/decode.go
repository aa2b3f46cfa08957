package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// 各字段可能使用的键名，按优先级排列，匹配时忽略大小写
var (
	vehicleKeys    = []string{"vehicle", "plate", "vehicle_id", "unit", "asset"}
	fuelKeys       = []string{"fuel_volume", "fuel_level", "fuel_litres", "fuel"}
	percentageKeys = []string{"fuel_percentage", "fuel_pct", "fuel_percent"}
	statusKeys     = []string{"status_text", "status", "engine_status", "message"}
	timeKeys       = []string{"source_time", "timestamp", "loc_time", "time", "ts"}
)

// 字符串时间支持的格式
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006/01/02 15:04:05",
}

// 数值时间大于此值按毫秒解析
const millisThreshold = 1e11

// Decode 解析一条推送消息，支持单个对象或对象数组
// 缺少车辆标识的条目会被跳过
func Decode(message []byte) ([]*models.TelemetryReading, error) {
	return DecodeFor(message, "")
}

// DecodeFor 同 Decode，条目缺少车辆标识时使用 vehicle
func DecodeFor(message []byte, vehicle string) ([]*models.TelemetryReading, error) {
	message = bytes.TrimSpace(message)
	if len(message) == 0 {
		return nil, nil
	}

	var objects []map[string]json.RawMessage
	if message[0] == '[' {
		if err := json.Unmarshal(message, &objects); err != nil {
			return nil, fmt.Errorf("decode telemetry batch: %w", err)
		}
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(message, &obj); err != nil {
			return nil, fmt.Errorf("decode telemetry: %w", err)
		}
		objects = append(objects, obj)
	}

	readings := make([]*models.TelemetryReading, 0, len(objects))
	for _, obj := range objects {
		r, err := decodeObject(obj, vehicle)
		if err != nil {
			return nil, err
		}
		if r != nil {
			readings = append(readings, r)
		}
	}
	return readings, nil
}

func decodeObject(raw map[string]json.RawMessage, fallback string) (*models.TelemetryReading, error) {
	obj := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		obj[strings.ToLower(k)] = v
	}

	vehicle := strings.TrimSpace(stringField(obj, vehicleKeys))
	if vehicle == "" {
		vehicle = fallback
	}
	if vehicle == "" {
		return nil, nil
	}
	r := &models.TelemetryReading{
		Vehicle:    vehicle,
		StatusText: strings.TrimSpace(stringField(obj, statusKeys)),
	}

	var err error
	if r.FuelVolume, err = numberField(obj, fuelKeys); err != nil {
		return nil, fmt.Errorf("decode fuel for %s: %w", vehicle, err)
	}
	if r.FuelPercentage, err = numberField(obj, percentageKeys); err != nil {
		return nil, fmt.Errorf("decode fuel percentage for %s: %w", vehicle, err)
	}
	if r.SourceTime, err = timeField(obj, timeKeys); err != nil {
		return nil, fmt.Errorf("decode time for %s: %w", vehicle, err)
	}
	return r, nil
}

func lookup(obj map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// stringField 字符串字段，数值也按文本返回
func stringField(obj map[string]json.RawMessage, keys []string) string {
	v, ok := lookup(obj, keys)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// numberField 数值字段，支持数字、数字字符串以及带单位后缀的字符串，空串视为缺失
func numberField(obj map[string]json.RawMessage, keys []string) (*float64, error) {
	v, ok := lookup(obj, keys)
	if !ok {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return &f, nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, fmt.Errorf("unsupported value %s", string(v))
	}
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "%lL ")
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return &f, nil
}

// timeField 时间字段，支持多种字符串格式与 unix 秒/毫秒
func timeField(obj map[string]json.RawMessage, keys []string) (time.Time, error) {
	v, ok := lookup(obj, keys)
	if !ok {
		return time.Time{}, nil
	}

	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return fromUnix(n), nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, fmt.Errorf("unsupported value %s", string(v))
	}
	return ParseTime(s)
}

// ParseTime 解析字符串时间，没有时区的按 UTC
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(n), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func fromUnix(n float64) time.Time {
	if n > millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
