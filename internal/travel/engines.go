package travel

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 支持的搜索引擎名称。
const (
	EngineFlights = "google_flights"
	EngineHotels  = "google_hotels"
)

// EngineDefinitions 对应 configs/engines.yaml 的结构。
type EngineDefinitions struct {
	Engines map[string]EngineDefinition `yaml:"engines"`
}

// EngineDefinition 描述单个引擎的地区与货币默认值。
type EngineDefinition struct {
	Language    string            `yaml:"language"`
	Country     string            `yaml:"country"`
	Currency    string            `yaml:"currency"`
	Extras      map[string]string `yaml:"extras"`
	Description string            `yaml:"description"`
}

// DefaultEngineDefinitions 返回内置的引擎默认配置。
func DefaultEngineDefinitions() EngineDefinitions {
	return EngineDefinitions{
		Engines: map[string]EngineDefinition{
			EngineFlights: {
				Language: "en",
				Country:  "us",
				Currency: "USD",
				Extras:   map[string]string{"stops": "1"},
			},
			EngineHotels: {
				Language: "en",
				Country:  "us",
				Currency: "USD",
			},
		},
	}
}

// LoadEngineDefinitions 解析引擎元数据的 YAML 文件。
// 路径为空时回退到内置默认值。
func LoadEngineDefinitions(path string) (EngineDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultEngineDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EngineDefinitions{}, fmt.Errorf("读取引擎配置失败: %w", err)
	}

	var defs EngineDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return EngineDefinitions{}, fmt.Errorf("解析引擎配置失败: %w", err)
	}
	if defs.Engines == nil {
		defs.Engines = map[string]EngineDefinition{}
	}

	// 未出现在文件中的引擎沿用内置默认值。
	for name, def := range DefaultEngineDefinitions().Engines {
		if _, ok := defs.Engines[name]; !ok {
			defs.Engines[name] = def
		}
	}
	return defs, nil
}

// BaseParams 返回某个引擎的基础查询参数。
func (d EngineDefinitions) BaseParams(engine string) map[string]string {
	def, ok := d.Engines[engine]
	if !ok {
		def = DefaultEngineDefinitions().Engines[engine]
	}
	params := map[string]string{}
	if def.Language != "" {
		params["hl"] = def.Language
	}
	if def.Country != "" {
		params["gl"] = def.Country
	}
	if def.Currency != "" {
		params["currency"] = def.Currency
	}
	for key, value := range def.Extras {
		params[key] = value
	}
	return params
}
