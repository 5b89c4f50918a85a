package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	IndicatorRSI      = "rsi"
	IndicatorEMACross = "ema_cross"
	IndicatorMACD     = "macd"
)

// Definition 描述一个可被部署引用的指标策略。
type Definition struct {
	ID          string         `mapstructure:"id" yaml:"id"`
	Description string         `mapstructure:"description" yaml:"description"`
	Indicator   string         `mapstructure:"indicator" yaml:"indicator"`
	Interval    string         `mapstructure:"interval" yaml:"interval"`
	Lookback    int            `mapstructure:"lookback" yaml:"lookback"`
	Version     int            `mapstructure:"version" yaml:"version"`
	Params      map[string]any `mapstructure:"params" yaml:"params"`
	// Schema 可选，在内置参数 schema 之外追加约束
	Schema map[string]any `mapstructure:"schema" yaml:"schema"`
}

// FileConfig 映射 strategies.yaml。
type FileConfig struct {
	Strategies map[string]Definition `mapstructure:"strategies" yaml:"strategies"`
}

var builtinSchemas = map[string]string{
	IndicatorRSI: `{
		"type": "object",
		"properties": {
			"period": {"type": "integer", "minimum": 2, "maximum": 200},
			"oversold": {"type": "number", "minimum": 0, "maximum": 100},
			"overbought": {"type": "number", "minimum": 0, "maximum": 100}
		},
		"additionalProperties": false
	}`,
	IndicatorEMACross: `{
		"type": "object",
		"properties": {
			"fast": {"type": "integer", "minimum": 1},
			"slow": {"type": "integer", "minimum": 2}
		},
		"additionalProperties": false
	}`,
	IndicatorMACD: `{
		"type": "object",
		"properties": {
			"fast": {"type": "integer", "minimum": 1},
			"slow": {"type": "integer", "minimum": 2},
			"signal": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
}

var compiledBuiltins = mustCompileBuiltins()

func mustCompileBuiltins() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(builtinSchemas))
	for name, raw := range builtinSchemas {
		compiler := jsonschema.NewCompiler()
		url := name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("strategy schema %s: %v", name, err))
		}
		out[name] = compiler.MustCompile(url)
	}
	return out
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func normalizeDefinition(name string, def Definition) (Definition, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		def.ID = strings.TrimSpace(name)
	}
	if def.ID == "" {
		return def, fmt.Errorf("strategy without id")
	}
	def.Indicator = strings.ToLower(strings.TrimSpace(def.Indicator))
	builtin, ok := compiledBuiltins[def.Indicator]
	if !ok {
		return def, fmt.Errorf("strategy %s: unknown indicator %q", def.ID, def.Indicator)
	}
	def.Interval = strings.ToLower(strings.TrimSpace(def.Interval))
	if def.Interval == "" {
		def.Interval = "15m"
	}
	if def.Lookback <= 0 {
		def.Lookback = 200
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	if def.Params == nil {
		def.Params = map[string]any{}
	}
	def.Params = sanitizeParams(def.Params).(map[string]any)
	if err := builtin.Validate(def.Params); err != nil {
		return def, fmt.Errorf("strategy %s params: %w", def.ID, err)
	}
	if len(def.Schema) > 0 {
		extra, err := compileSchema(def.Schema)
		if err != nil {
			return def, fmt.Errorf("strategy %s schema: %w", def.ID, err)
		}
		if err := extra.Validate(def.Params); err != nil {
			return def, fmt.Errorf("strategy %s params: %w", def.ID, err)
		}
	}
	return def, nil
}

// sanitizeParams 把 YAML 解出的 int 转成 float64 并解析字符串数字，满足 jsonschema 的类型要求。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[strings.ToLower(strings.TrimSpace(k))] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		s := strings.TrimSpace(val)
		if num, err := strconv.ParseFloat(s, 64); err == nil && s != "" {
			return num
		}
		return val
	default:
		return val
	}
}
