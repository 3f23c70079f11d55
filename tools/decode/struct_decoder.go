package decode

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：
	// 例如 "123" -> int、"true" -> bool 等，环境变量/nacos 下发的字符串也能落到数值字段。
	WeaklyTypedInput bool
	// 出现结构体里没有的 key 时报错
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// Map 将 map[string]any（yaml/json 解出来的通用结构）解码到 T。
// 结构体字段读取使用 `json` tag。
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	var out T
	if err := Into(m, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Into 解码到已有对象上，未出现的字段保留原值（用于在默认配置上叠加）
func Into(m map[string]any, out any, opts ...Options) error {
	if m == nil {
		return nil
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			floatToIntHook(),
			sliceAnyToSliceStringHook(),
			jsonRawStringToMapHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

// Merge 把 src 深度合并到 dst（src 优先），两边的嵌套 map 递归合并
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			dst[k] = Merge(dm, sm)
			continue
		}
		dst[k] = v
	}
	return dst
}

// -----------------------------
// Decode Hooks
// -----------------------------

// floatToIntHook：把 float64 自动转为 int / int32 / int64（json 数字默认是 float64）。
func floatToIntHook() mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// sliceAnyToSliceStringHook：目标是 []string 时把 []any 逐个转成字符串。
func sliceAnyToSliceStringHook() mapstructure.DecodeHookFuncType {
	strSlice := reflect.TypeOf([]string(nil))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != strSlice {
			return data, nil
		}
		src, ok := data.([]any)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(src))
		for _, it := range src {
			switch v := it.(type) {
			case string:
				out = append(out, v)
			case json.Number:
				out = append(out, v.String())
			default:
				out = append(out, fmt.Sprint(v))
			}
		}
		return out, nil
	}
}

// jsonRawStringToMapHook：把 JSON 字符串自动转为 map[string]any（nacos 里偶尔把子配置存成字符串）。
func jsonRawStringToMapHook() mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || to != reflect.Map {
			return data, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(data.(string)), &m); err == nil {
			return m, nil
		}
		return data, nil
	}
}
