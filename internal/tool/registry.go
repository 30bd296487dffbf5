package tool

import (
	"strings"

	xerrors "OpenTrip-Agent/internal/errors"
)

// Registry 维护工具名称到实现的映射。
// 所有注册在启动阶段完成，运行期间只读，因此不需要加锁。
type Registry struct {
	specs map[string]Spec
	order []string
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register 注册一个工具。名称必须唯一，重复注册视为配置错误。
func (r *Registry) Register(spec Spec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeConfiguration, "工具名称不能为空")
	}
	if spec.Run == nil {
		return xerrors.New(xerrors.CodeConfiguration, "工具 "+name+" 缺少执行函数")
	}
	if _, exists := r.specs[name]; exists {
		return xerrors.New(xerrors.CodeConfiguration, "工具 "+name+" 已注册")
	}
	r.specs[name] = spec
	r.order = append(r.order, name)
	return nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Definitions 按注册顺序返回全部工具的模型侧描述。
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.specs[name].Definition())
	}
	return defs
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	return len(r.specs)
}
