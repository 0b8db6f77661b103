package bedrockbot

import (
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			continue
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		}

		// leveler values (*slog.LevelVar) are logged as their level name
		if lvl, ok := fv.Interface().(slog.Leveler); ok {
			groupAttrs = append(
				groupAttrs,
				slog.String(jsonTag, lvl.Level().String()),
			)
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// chunkMessage splits s into pieces of at most limit characters, so
// each can be sent as a separate discord message. Splits prefer the last
// newline within a chunk, falling back to a hard split on rune boundaries.
func chunkMessage(s string, limit int) []string {
	if limit <= 0 {
		return []string{s}
	}
	var chunks []string
	for utf8.RuneCountInString(s) > limit {
		// byte offset of the first rune past the limit
		cut := len(s)
		n := 0
		for i := range s {
			if n == limit {
				cut = i
				break
			}
			n++
		}
		head := s[:cut]
		if idx := strings.LastIndex(head, "\n"); idx > 0 {
			chunks = append(chunks, head[:idx])
			s = s[idx+1:]
		} else {
			chunks = append(chunks, head)
			s = s[cut:]
		}
	}
	if s != "" || len(chunks) == 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// wordCount estimates the token count of s by its number of
// whitespace-separated words
func wordCount(s string) int {
	return len(strings.Fields(s))
}
