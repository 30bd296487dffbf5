package tool

import (
	"encoding/json"
	"fmt"
	"math"

	xerrors "OpenTrip-Agent/internal/errors"
)

// FieldType 表示参数字段支持的类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// Field 描述工具参数模式中的一个字段。
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	Default     any
}

// Schema 描述某个工具期望的参数集合。
// 模型产生的原始参数是无类型的键值映射，必须先经 Validate
// 校验收敛为 Args 才能交给执行函数。
type Schema struct {
	Fields []Field
}

// JSONSchema 生成 JSON Schema 形式的参数描述，供模型网关下发。
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	properties := make(map[string]any, len(s.Fields))
	required := make([]string, 0)
	for _, field := range s.Fields {
		prop := map[string]any{
			"type":        string(field.Type),
			"description": field.Description,
		}
		if field.Default != nil {
			prop["default"] = field.Default
		}
		properties[field.Name] = prop
		if field.Required {
			required = append(required, field.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Validate 校验并收敛原始参数：检查必填字段、按声明类型转换取值、
// 为缺失的可选字段填充默认值。校验是纯函数，相同输入总是得到
// 相同的结果。未在模式中声明的字段被忽略。
func (s *Schema) Validate(raw map[string]any) (Args, error) {
	args := make(Args, len(s.Fields))
	for _, field := range s.Fields {
		value, ok := raw[field.Name]
		if !ok || value == nil {
			if field.Required {
				return nil, xerrors.New(xerrors.CodeToolArgument,
					fmt.Sprintf("missing required field %q", field.Name))
			}
			if field.Default != nil {
				args[field.Name] = field.Default
			}
			continue
		}
		coerced, err := coerce(value, field.Type)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeToolArgument,
				fmt.Sprintf("field %q: %v", field.Name, err))
		}
		args[field.Name] = coerced
	}
	return args, nil
}

// coerce 将 JSON 解码得到的动态值转换到字段声明的类型。
// JSON 数字统一解码为 float64，整数字段需要无损还原。
func coerce(value any, kind FieldType) (any, error) {
	switch kind {
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case TypeInteger:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if math.Trunc(v) == v {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected integer, got %v", v)
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %s", v.String())
			}
			return int(n), nil
		}
	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case json.Number:
			n, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected number, got %s", v.String())
			}
			return n, nil
		}
	case TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	default:
		return nil, fmt.Errorf("unsupported field type %q", kind)
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, value)
}
