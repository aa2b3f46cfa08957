package classifier

import "strings"

// Edge 状态文本分类结果
type Edge string

const (
	EngineOn  Edge = "ENGINE_ON"
	EngineOff Edge = "ENGINE_OFF"
	FuelFill  Edge = "FUEL_FILL"
	None      Edge = "NONE"
)

// rule 关键字规则，按顺序匹配
type rule struct {
	edge     Edge
	keywords []string
}

// rules 优先级: 加油 > 启动 > 熄火
var rules = []rule{
	{edge: FuelFill, keywords: []string{"possible fuel fill", "fuel fill"}},
	{edge: EngineOn, keywords: []string{"engine on", "pto on", "generator on", "start", "running"}},
	{edge: EngineOff, keywords: []string{"engine off", "pto off", "generator off", "stop", "idle"}},
}

// Classify 将状态文本映射为边沿事件
func Classify(status string) Edge {
	normalized := Normalize(status)
	if normalized == "" {
		return None
	}

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(normalized, kw) {
				return r.edge
			}
		}
	}
	return None
}

// Normalize 小写并折叠空白
func Normalize(status string) string {
	return strings.Join(strings.Fields(strings.ToLower(status)), " ")
}

// IsEngineEdge 是否为发动机启停边沿
func (e Edge) IsEngineEdge() bool {
	return e == EngineOn || e == EngineOff
}
