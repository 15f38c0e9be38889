package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 可读的时长配置：
// - 字符串按 time.ParseDuration 解析（"500ms", "5m"）
// - 数字按“秒”解释
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration 需要标量值")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	switch value.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid duration seconds %q: %w", raw, err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	default:
		dd, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		d.Duration = dd
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// D 便于构造默认值
func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

func (d Duration) D() time.Duration {
	return d.Duration
}
