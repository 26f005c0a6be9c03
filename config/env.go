package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv exports variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// loadFromEnv overlays every field carrying an `env` tag with the matching
// SAVEKIT_* variable. Unset or empty variables leave the field alone.
func loadFromEnv(cfg *Config) error {
	return applyEnv(reflect.ValueOf(cfg).Elem(), os.LookupEnv)
}

func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		name := sf.Tag.Get("env")
		if name == "" {
			if field.Kind() == reflect.Struct {
				if err := applyEnv(field, lookup); err != nil {
					return err
				}
			}
			continue
		}
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setFromEnv(field.Addr().Interface(), raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setFromEnv(dst any, raw string) error {
	switch p := dst.(type) {
	case *string:
		*p = raw
	case *Environment:
		*p = Environment(raw)
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*p = n
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*p = d
	case *[]string:
		*p = splitList(raw)
	case *map[string]string:
		m := make(map[string]string)
		for _, pair := range splitList(raw) {
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid map entry %q", pair)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		*p = m
	default:
		return fmt.Errorf("unsupported field type %T", dst)
	}
	return nil
}

// splitList splits a comma-separated value, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
