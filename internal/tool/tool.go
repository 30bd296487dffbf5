package tool

import "context"

// Args 是通过模式校验后的工具参数。
type Args map[string]any

// String 返回字符串参数，缺失时返回空串。
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Int 返回整数参数，缺失时返回 0。
func (a Args) Int(key string) int {
	v, _ := a[key].(int)
	return v
}

// RunFunc 执行一次工具调用，返回可序列化的文本结果或错误。
type RunFunc func(ctx context.Context, args Args) (string, error)

// Spec 是注册表中的一个条目：工具名称、参数模式与执行函数。
// 注册完成后在进程生命周期内不可变。
type Spec struct {
	Name        string
	Description string
	Schema      *Schema
	Run         RunFunc
}

// Definition 是提供给模型网关的工具描述，参数部分为
// JSON Schema 形式的映射。
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Definition 生成该工具的模型侧描述。
func (s Spec) Definition() Definition {
	return Definition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Schema.JSONSchema(),
	}
}
