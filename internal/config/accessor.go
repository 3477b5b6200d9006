package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dotted json path such as "relay.queueSize"
// or "server.allowedOrigins.0".
func GetByPath(cfg *Config, path string) (any, error) {
	v, rest, err := resolve(cfg, path)
	if err != nil {
		return nil, err
	}
	switch {
	case rest == "":
		return v.Interface(), nil
	case v.Kind() == reflect.Map:
		val := v.MapIndex(reflect.ValueOf(rest))
		if !val.IsValid() {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		return val.Interface(), nil
	case v.Kind() == reflect.Slice:
		idx, err := strconv.Atoi(rest)
		if err != nil || idx < 0 || idx >= v.Len() {
			return nil, fmt.Errorf("invalid index %q in %s", rest, path)
		}
		return v.Index(idx).Interface(), nil
	}
	return nil, fmt.Errorf("key not found: %s", path)
}

// SetByPath parses raw according to the type of the field at path and stores
// it. Lists take comma-separated values; "discord.selectors.<name>" sets one
// selector override.
func SetByPath(cfg *Config, path, raw string) error {
	v, rest, err := resolve(cfg, path)
	if err != nil {
		return err
	}
	if rest != "" {
		if v.Kind() != reflect.Map {
			return fmt.Errorf("key not found: %s", path)
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		v.SetMapIndex(reflect.ValueOf(rest), reflect.ValueOf(raw))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: want true or false, got %q", path, raw)
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: want an integer, got %q", path, raw)
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: want a number, got %q", path, raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("%s is a section, not a value", path)
	}
	return nil
}

// resolve walks the json-tagged fields of cfg. It stops at the first map or
// slice and returns what is left of the path.
func resolve(cfg *Config, path string) (reflect.Value, string, error) {
	if path == "" {
		return reflect.Value{}, "", fmt.Errorf("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, key := range parts {
		if v.Kind() == reflect.Map || v.Kind() == reflect.Slice {
			return v, strings.Join(parts[i:], "."), nil
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, "", fmt.Errorf("key not found: %s", path)
		}
		f, ok := fieldByTag(v, key)
		if !ok {
			return reflect.Value{}, "", fmt.Errorf("key not found: %s", path)
		}
		v = f
	}
	return v, "", nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Sanitize returns a copy of cfg for display with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Discord.Password != "" {
		out.Discord.Password = "***"
	}
	out.Discord.Email = maskEmail(out.Discord.Email)
	if out.Server.APIKey != "" {
		out.Server.APIKey = maskString(out.Server.APIKey)
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 1 {
		return s
	}
	return s[:1] + "***" + s[at:]
}
