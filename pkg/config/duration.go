package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration 是一个“可读”的 duration 类型：
// - YAML/JSON 支持字符串（例如 "15s", "500ms"）
// - 也支持数字，按“秒”解释
type Duration struct {
	time.Duration
}

// D 构造 Duration
func D(d time.Duration) Duration { return Duration{Duration: d} }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("unsupported duration node: kind=%d tag=%s value=%q", value.Kind, value.Tag, value.Value)
	}
	switch value.Tag {
	case "!!str":
		return d.parseString(value.Value)
	case "!!int", "!!float":
		return d.parseSeconds(value.Value)
	case "!!null":
		d.Duration = 0
		return nil
	}
	return errors.Errorf("unsupported duration node: kind=%d tag=%s value=%q", value.Kind, value.Tag, value.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		return d.parseString(str)
	}
	return d.parseSeconds(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// parseEnv 环境变量同样接受 "15s" 或纯秒数
func (d *Duration) parseEnv(s string) error {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return d.parseSeconds(s)
	}
	return d.parseString(s)
}

func (d *Duration) parseString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = dd
	return nil
}

func (d *Duration) parseSeconds(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return errors.Wrapf(err, "invalid duration seconds %q", s)
	}
	d.Duration = time.Duration(f * float64(time.Second))
	return nil
}
