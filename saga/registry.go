package saga

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry Saga 定义注册表
//
// 定义在启动时注册一次，之后只读；恢复实例时通过 DefinitionName 找回步骤动作。
type Registry struct {
	definitions *xsync.MapOf[string, *Definition]
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		definitions: xsync.NewMapOf[string, *Definition](),
	}
}

// Register 注册定义
//
// 定义会被校验并复制步骤切片，调用方之后对原定义的修改不影响已注册版本。
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	stored := def
	stored.Steps = append([]StepSpec(nil), def.Steps...)

	if _, loaded := r.definitions.LoadOrStore(def.Name, &stored); loaded {
		return NewDuplicateDefinitionError(def.Name)
	}
	return nil
}

// MustRegister 注册定义，失败时 panic（用于启动期）
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get 获取定义
func (r *Registry) Get(name string) (*Definition, bool) {
	return r.definitions.Load(name)
}

// Names 返回已注册的定义名（有序）
func (r *Registry) Names() []string {
	names := make([]string, 0, r.definitions.Size())
	r.definitions.Range(func(name string, _ *Definition) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
