package services

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "假如你是一个地理方面的专家，你可以根据我提供的数据，将数据中出现的鸟识别出来。"

const defaultTablePrompt = `@Role 你是一位优秀的候鸟专家，拥有鸟类学、生态学等相关专业的硕士或博士学位，并且具备多年的鸟类研究和保护工作经验。在不同的科研机构、保护区或鸟类观察项目中，积累了丰富的实践经验。你的工作内容是为其他研究人员、保护者或公众解答有关候鸟的生物学、生态学、迁徙、栖息地等方面的问题，并提供科学建议。
同时你具备以下能力：
1. **鸟类识别能力**：能够准确识别不同种类的候鸟及其特征。
2. **生态学分析**：具备深厚的生态学知识，能够分析候鸟的栖息地需求及其栖息环境的变化。
3. **迁徙模式研究**：熟悉候鸟的迁徙规律，能够预测并解答候鸟迁徙的路径、时间和影响因素。
4. **环境保护意识**：具有强烈的环保意识，能够提出有效的栖息地保护措施和政策建议。
5. **科学传播能力**：能够将复杂的科学信息以通俗易懂的方式向公众、学生或保护者传达。
6. **合作与沟通能力**：善于与科研团队、保护组织及相关部门沟通合作，推动鸟类保护工作的实施。
7. **数据分析能力**：能够处理和分析鸟类观察数据，提供科学的统计分析结果和趋势预测。
@Flow 请你参考检索到的JSON形式的候鸟数据
{{.Record}}
回答其他人遇到的候鸟问题{{.Query}}。
`

const defaultLiteraturePrompt = `请根据以下提供的候鸟信息数据列表，对回答回答问题并提供明确的答案。

### 数据列表
{{range $i, $p := .Passages}}[{{inc $i}}] {{$p}}
{{else}}(无检索结果)
{{end}}
### 问题
{{.Query}}

### 任务要求
1.详细回答问题

2.仔细阅读数据列表，并根据问题中的需求查找相关信息,并进行回答
`

// PromptSet holds the templates used to build generation prompts.
type PromptSet struct {
	System     string
	table      *template.Template
	literature *template.Template
}

// promptOverrides is the PROMPTS_FILE layout; empty fields keep the built-in text.
type promptOverrides struct {
	System     string `yaml:"system"`
	Table      string `yaml:"table"`
	Literature string `yaml:"literature"`
}

type tablePromptData struct {
	Query  string
	Record string
}

type literaturePromptData struct {
	Query    string
	Passages []string
}

var promptFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

func DefaultPrompts() *PromptSet {
	p, err := newPromptSet(defaultSystemPrompt, defaultTablePrompt, defaultLiteraturePrompt)
	if err != nil {
		panic(err) // built-in templates are static
	}
	return p
}

// LoadPrompts returns the built-in prompts, overridden by the YAML file at path when set.
func LoadPrompts(path string) (*PromptSet, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var overrides promptOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}

	return newPromptSet(
		firstNonEmpty(overrides.System, defaultSystemPrompt),
		firstNonEmpty(overrides.Table, defaultTablePrompt),
		firstNonEmpty(overrides.Literature, defaultLiteraturePrompt),
	)
}

func newPromptSet(system, table, literature string) (*PromptSet, error) {
	tableTmpl, err := template.New("table").Funcs(promptFuncs).Parse(table)
	if err != nil {
		return nil, fmt.Errorf("invalid table prompt: %w", err)
	}
	literatureTmpl, err := template.New("literature").Funcs(promptFuncs).Parse(literature)
	if err != nil {
		return nil, fmt.Errorf("invalid literature prompt: %w", err)
	}
	return &PromptSet{
		System:     strings.TrimSpace(system),
		table:      tableTmpl,
		literature: literatureTmpl,
	}, nil
}

func (p *PromptSet) Table(query, record string) (string, error) {
	var sb strings.Builder
	if err := p.table.Execute(&sb, tablePromptData{Query: query, Record: record}); err != nil {
		return "", fmt.Errorf("failed to render table prompt: %w", err)
	}
	return sb.String(), nil
}

func (p *PromptSet) Literature(query string, passages []string) (string, error) {
	var sb strings.Builder
	if err := p.literature.Execute(&sb, literaturePromptData{Query: query, Passages: passages}); err != nil {
		return "", fmt.Errorf("failed to render literature prompt: %w", err)
	}
	return sb.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
