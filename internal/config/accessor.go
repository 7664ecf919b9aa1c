package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Settings are addressed by the dotted json names of their fields, such as
// "video.targetMB" or "workflow.linkPromptTimeoutSeconds".

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrSecretSetting  = errors.New("secret settings come from the environment")
)

// secretEnv maps secret setting paths to the variable that supplies them.
var secretEnv = map[string]string{
	"discord.token":  "DISCORD_TOKEN",
	"youtube.apiKey": "YOUTUBE_API_KEY",
}

// Setting is one leaf value of the config.
type Setting struct {
	Path  string
	Value any
}

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the setting at path. The change is applied only
// if the resulting config still validates; cfg is untouched otherwise.
// Secrets are refused so they never land in the config file.
func SetByPath(cfg *Config, path, raw string) error {
	if env, ok := secretEnv[path]; ok {
		return fmt.Errorf("%w: set %s instead", ErrSecretSetting, env)
	}

	next := *cfg
	v, err := lookup(reflect.ValueOf(&next).Elem(), path)
	if err != nil {
		return err
	}
	if !v.CanSet() || v.Kind() == reflect.Struct || v.Kind() == reflect.Map {
		return fmt.Errorf("%s is not a single value; edit the config file", path)
	}
	if err := assign(v, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// Sanitize returns a copy of cfg with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	root := reflect.ValueOf(&c).Elem()
	for path := range secretEnv {
		v, err := lookup(root, path)
		if err != nil || v.String() == "" {
			continue
		}
		v.SetString(maskString(v.String()))
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// Settings lists every leaf value in declaration order, secrets masked.
func Settings(cfg *Config) []Setting {
	var out []Setting
	walk("", reflect.ValueOf(Sanitize(cfg)).Elem(), &out)
	return out
}

func walk(prefix string, v reflect.Value, out *[]Setting) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if name := jsonName(t.Field(i)); name != "" {
				walk(join(prefix, name), v.Field(i), out)
			}
		}
	case reflect.Map:
		keys := v.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		sort.Strings(names)
		for _, name := range names {
			walk(join(prefix, name), v.MapIndex(reflect.ValueOf(name)), out)
		}
	default:
		*out = append(*out, Setting{Path: prefix, Value: v.Interface()})
	}
}

func lookup(root reflect.Value, path string) (reflect.Value, error) {
	v := root
	for _, key := range strings.Split(path, ".") {
		var next reflect.Value
		switch v.Kind() {
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < t.NumField(); i++ {
				if jsonName(t.Field(i)) == key {
					next = v.Field(i)
					break
				}
			}
		case reflect.Map:
			next = v.MapIndex(reflect.ValueOf(key))
		}
		if !next.IsValid() {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownSetting, path)
		}
		v = next
	}
	return v, nil
}

func assign(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v.OverflowInt(n) {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("want a number, got %q", raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type %s", v.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
