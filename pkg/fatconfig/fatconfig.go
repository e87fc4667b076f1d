// Package fatconfig defines the Manager's tunable parameters as a JSON
// configuration object, in the same style as perkeep's pkg/jsonconfig:
// a map[string]interface{} decorated with typed accessors that
// accumulate validation errors instead of panicking, and reject unknown
// keys at Validate time.
package fatconfig

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Obj is a JSON configuration map, trimmed to the keys the Manager
// understands.
type Obj map[string]interface{}

// Tunables holds the five required Manager knobs plus the two flush
// concurrency limits, all positive integers, read out of an Obj via
// Parse.
type Tunables struct {
	ListMaxDirty      int
	ListMaxCache      int
	BlockMaxDirty     int
	BlockMaxCache     int
	InodeTargetFree   int
	FatConcurrency    int
	DataConcurrency   int
}

// ReadJSON decodes raw JSON bytes into an Obj, the way
// pkg/jsonconfig.ReadFile reads a config file from disk (minus the
// recursive file-inclusion feature, which this domain has no use for).
func ReadJSON(raw []byte) (Obj, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("fatconfig: %w", err)
	}
	return Obj(m), nil
}

// Parse validates cfg and extracts Tunables. The zero Tunables is
// returned alongside any error.
func Parse(cfg Obj) (Tunables, error) {
	t := Tunables{
		ListMaxDirty:    cfg.RequiredInt("list_max_dirty"),
		ListMaxCache:    cfg.RequiredInt("list_max_cache"),
		BlockMaxDirty:   cfg.RequiredInt("block_max_dirty"),
		BlockMaxCache:   cfg.RequiredInt("block_max_cache"),
		InodeTargetFree: cfg.RequiredInt("inode_target_free"),
		FatConcurrency:  cfg.OptionalInt("fat_flush_concurrency", 4),
		DataConcurrency: cfg.OptionalInt("data_flush_concurrency", 4),
	}
	if err := cfg.Validate(); err != nil {
		return Tunables{}, err
	}
	if t.ListMaxDirty <= 0 || t.ListMaxDirty >= t.ListMaxCache {
		return Tunables{}, fmt.Errorf("fatconfig: list_max_dirty must be positive and less than list_max_cache")
	}
	if t.BlockMaxDirty <= 0 || t.BlockMaxDirty >= t.BlockMaxCache {
		return Tunables{}, fmt.Errorf("fatconfig: block_max_dirty must be positive and less than block_max_cache")
	}
	if t.InodeTargetFree <= 0 {
		return Tunables{}, fmt.Errorf("fatconfig: inode_target_free must be positive")
	}
	if t.FatConcurrency <= 0 || t.DataConcurrency <= 0 {
		return Tunables{}, fmt.Errorf("fatconfig: fat_flush_concurrency and data_flush_concurrency must be positive")
	}
	return t, nil
}

func (o Obj) RequiredInt(key string) int { return o.int(key, nil) }
func (o Obj) OptionalInt(key string, def int) int { return o.int(key, &def) }

func (o Obj) int(key string, def *int) int {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("missing required config key %q (integer)", key))
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		o.appendError(fmt.Errorf("expected config key %q to be a number, got %T", key, v))
		return 0
	}
}

func (o Obj) noteKnownKey(key string) {
	if _, ok := o["_knownkeys"]; !ok {
		o["_knownkeys"] = make(map[string]bool)
	}
	o["_knownkeys"].(map[string]bool)[key] = true
}

func (o Obj) appendError(err error) {
	if existing, ok := o["_errors"]; ok {
		o["_errors"] = append(existing.([]error), err)
	} else {
		o["_errors"] = []error{err}
	}
}

func (o Obj) lookForUnknownKeys() {
	known, _ := o["_knownkeys"].(map[string]bool)
	for k := range o {
		if known[k] {
			continue
		}
		if strings.HasPrefix(k, "_") {
			continue
		}
		o.appendError(fmt.Errorf("unknown config key %q", k))
	}
}

// Validate rejects unknown keys and returns the accumulated errors, if
// any, from prior accessor calls.
func (o Obj) Validate() error {
	o.lookForUnknownKeys()
	ei, ok := o["_errors"]
	if !ok {
		return nil
	}
	errs := ei.([]error)
	if len(errs) == 1 {
		return errs[0]
	}
	strs := make([]string, len(errs))
	for i, e := range errs {
		strs[i] = e.Error()
	}
	return fmt.Errorf("fatconfig: multiple errors: %s", strings.Join(strs, "; "))
}
