package runner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"go.yaml.in/yaml/v3"
)

// Option is one driver setting, e.g. QSTAT_CMD=/usr/bin/qstat.
type Option struct {
	Key   string
	Value string
}

// Options keeps the order the settings were given in. Later duplicates win.
type Options []Option

func (o Options) Get(key string) (string, bool) {
	key = normalizeKey(key)
	for i := len(o) - 1; i >= 0; i-- {
		if normalizeKey(o[i].Key) == key {
			return o[i].Value, true
		}
	}
	return "", false
}

func (o Options) String(key, def string) string {
	if v, ok := o.Get(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, model.NewQueueError(model.ErrorConfig, "option "+key, err)
	}
	return n, nil
}

func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	v = strings.TrimSpace(v)
	// Bare numbers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, model.NewQueueError(model.ErrorConfig, "option "+key, err)
	}
	return d, nil
}

func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, model.NewQueueError(model.ErrorConfig, "option "+key, err)
	}
	return b, nil
}

// Check rejects any key outside the allowed sets.
func (o Options) Check(driver string, allowed ...[]string) error {
	known := map[string]bool{}
	for _, set := range allowed {
		for _, k := range set {
			known[k] = true
		}
	}

	var unknown []string
	for _, opt := range o {
		if !known[normalizeKey(opt.Key)] {
			unknown = append(unknown, opt.Key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return model.Errorf(model.ErrorConfig, "%s driver: unknown option(s) %s", driver, strings.Join(unknown, ", "))
	}
	return nil
}

// UnmarshalYAML accepts a mapping, which keeps document order, or a list of
// [key, value] pairs.
func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	var out Options
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, Option{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			var pair []string
			if err := item.Decode(&pair); err != nil {
				return fmt.Errorf("line %d: %w", item.Line, err)
			}
			if len(pair) != 2 {
				return fmt.Errorf("line %d: option must be a [key, value] pair", item.Line)
			}
			out = append(out, Option{Key: pair[0], Value: pair[1]})
		}
	default:
		return fmt.Errorf("line %d: driver options must be a mapping or a list of pairs", node.Line)
	}
	*o = out
	return nil
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
