package logging

import (
	"sync"
	"time"
)

const (
	// DefaultMaxInstances is how many instances a LogCollector keeps logs for.
	DefaultMaxInstances = 1000
	// DefaultMaxEntries is how many entries a LogCollector keeps per instance.
	DefaultMaxEntries = 500
)

// LogEntry represents a single log record with structured data.
type LogEntry struct {
	Time       time.Time              `json:"time"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Attributes map[string]interface{} `json:"attributes"`
}

// LogCollector provides thread-safe, bounded storage for per-instance logs.
// When more than maxInstances instances have logs, the instance that was first
// seen longest ago is dropped. Each instance keeps its newest maxEntries entries.
type LogCollector struct {
	mu           sync.RWMutex
	logs         map[string][]LogEntry // instance id -> entries
	order        []string              // instance ids, oldest first
	maxInstances int
	maxEntries   int
}

// CollectorOption configures a LogCollector.
type CollectorOption func(*LogCollector)

// WithMaxInstances bounds the number of instances kept.
func WithMaxInstances(n int) CollectorOption {
	return func(c *LogCollector) {
		if n > 0 {
			c.maxInstances = n
		}
	}
}

// WithMaxEntries bounds the number of entries kept per instance.
func WithMaxEntries(n int) CollectorOption {
	return func(c *LogCollector) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewLogCollector creates a new LogCollector.
func NewLogCollector(opts ...CollectorOption) *LogCollector {
	c := &LogCollector{
		logs:         make(map[string][]LogEntry),
		maxInstances: DefaultMaxInstances,
		maxEntries:   DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddLog adds a log entry for the instance.
func (c *LogCollector) AddLog(instanceID string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, exists := c.logs[instanceID]
	if !exists {
		c.order = append(c.order, instanceID)
		for len(c.order) > c.maxInstances {
			delete(c.logs, c.order[0])
			c.order = c.order[1:]
		}
	}
	entries = append(entries, entry)
	if len(entries) > c.maxEntries {
		entries = entries[len(entries)-c.maxEntries:]
	}
	c.logs[instanceID] = entries
}

// GetLogs returns a copy of the entries for the instance.
func (c *LogCollector) GetLogs(instanceID string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	logs, exists := c.logs[instanceID]
	if !exists {
		return nil
	}
	result := make([]LogEntry, len(logs))
	copy(result, logs)
	return result
}

// Instances returns the ids with captured logs, oldest first.
func (c *LogCollector) Instances() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// Forget drops the logs of one instance.
func (c *LogCollector) Forget(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.logs[instanceID]; !ok {
		return
	}
	delete(c.logs, instanceID)
	for i, id := range c.order {
		if id == instanceID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Clear removes all stored logs.
func (c *LogCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = make(map[string][]LogEntry)
	c.order = nil
}
