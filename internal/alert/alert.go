package alert

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/ports"
)

var log = logrus.WithField("component", "alert")

const defaultKeep = 100

// Entry 一条已发出的告警
type Entry struct {
	Level   ports.AlertLevel `json:"level"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Fields  map[string]any   `json:"fields,omitempty"`
	At      time.Time        `json:"at"`
}

// LogAlerter 通过 logrus 输出告警，并保留最近的若干条供控制面查询。
// 外部推送（IM/短信）由日志采集侧负责。
type LogAlerter struct {
	mu     sync.Mutex
	recent []Entry
	keep   int
	now    func() time.Time
}

func NewLogAlerter(keep int) *LogAlerter {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &LogAlerter{keep: keep, now: time.Now}
}

func (a *LogAlerter) Alert(level ports.AlertLevel, title, message string, fields map[string]any) {
	entry := log.WithFields(logrus.Fields{"alert_level": string(level), "title": title})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	switch level {
	case ports.AlertCritical:
		entry.Error("🚨 " + message)
	case ports.AlertWarning:
		entry.Warn("⚠️ " + message)
	default:
		entry.Info("🔔 " + message)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, Entry{Level: level, Title: title, Message: message, Fields: copyFields(fields), At: a.now().UTC()})
	if over := len(a.recent) - a.keep; over > 0 {
		a.recent = append([]Entry(nil), a.recent[over:]...)
	}
}

// Recent 最近的告警，最新的在最后
func (a *LogAlerter) Recent() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.recent...)
}

func copyFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
