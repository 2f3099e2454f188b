// Package envconf reads typed settings from the environment. Parse failures
// are collected rather than silently replaced by defaults, so a config
// loader can report every bad variable at once.
package envconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Reader struct {
	lookup func(string) (string, bool)
	errs   *multierror.Error
}

// New reads from the process environment.
func New() *Reader {
	return &Reader{lookup: os.LookupEnv}
}

// FromMap reads from m. Useful in tests.
func FromMap(m map[string]string) *Reader {
	return &Reader{lookup: func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}}
}

// raw returns the trimmed value and whether it is non-empty. Set-but-empty
// counts as unset.
func (r *Reader) raw(key string) (string, bool) {
	v, _ := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *Reader) fail(key, raw, kind string, err error) {
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s=%q is not a valid %s: %w", key, raw, kind, err))
}

func (r *Reader) String(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *Reader) Int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer", err)
		return def
	}
	return n
}

func (r *Reader) Float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "number", err)
		return def
	}
	return f
}

// Bool accepts the strconv forms plus yes/no and on/off.
func (r *Reader) Bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off":
		return false
	}
	r.fail(key, v, "boolean", strconv.ErrSyntax)
	return def
}

func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, "duration", err)
		return def
	}
	return d
}

// List splits a comma-separated value, dropping blanks. def is split the
// same way when key is unset.
func (r *Reader) List(key, def string) []string {
	return splitCSV(r.String(key, def))
}

// Set is List collected into a set. The result is never nil.
func (r *Reader) Set(key string) map[string]struct{} {
	items := r.List(key, "")
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

// Err returns every parse failure seen so far, or nil.
func (r *Reader) Err() error {
	return r.errs.ErrorOrNil()
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
