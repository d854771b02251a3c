// Package chain 提供两步式的代码生成链：先生成函数，再为其生成测试。
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
)

// 默认输入。
const (
	DefaultLanguage = "python"
	DefaultTask     = "print 10 numbers"
)

const (
	codeTemplate = "Write a very short {{.language}} function that will {{.task}}\n{{.format}}\n\nIMPORTANT: Return ONLY valid JSON, no other text!"
	testTemplate = "Write a test for the following {{.language}} code:\n {{.code}}\n{{.format}}"

	codeFormat = `The output must be a JSON object of the form {"code": "<source code>"}.`
	testFormat = `The output must be a JSON object of the form {"final_code": "<test source code>"}.`
)

// ErrMalformedOutput 表示模型输出无法解析为预期的 JSON。
var ErrMalformedOutput = errors.New("malformed model output")

// OutputError 描述某一步的解析失败，并保留原始输出。
type OutputError struct {
	Step string
	Raw  string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%s step: %v: %v", e.Step, ErrMalformedOutput, e.Err)
}

func (e *OutputError) Unwrap() []error {
	return []error{ErrMalformedOutput, e.Err}
}

// Result 是链的最终输出。
type Result struct {
	Language string `json:"language"`
	Task     string `json:"task"`
	Code     string `json:"code"`
	Test     string `json:"test_code"`
}

// CodeChain 依次执行代码提示与测试提示。
type CodeChain struct {
	llm        llms.Model
	codePrompt prompts.PromptTemplate
	testPrompt prompts.PromptTemplate
	callOpts   []llms.CallOption
}

// NewCodeChain 创建代码链。默认以 JSON 模式、temperature 0 调用模型。
func NewCodeChain(llm llms.Model, opts ...llms.CallOption) *CodeChain {
	codePrompt := prompts.NewPromptTemplate(codeTemplate, []string{"language", "task"})
	codePrompt.PartialVariables = map[string]any{"format": codeFormat}
	testPrompt := prompts.NewPromptTemplate(testTemplate, []string{"language", "code"})
	testPrompt.PartialVariables = map[string]any{"format": testFormat}

	callOpts := []llms.CallOption{llms.WithJSONMode(), llms.WithTemperature(0)}
	callOpts = append(callOpts, opts...)
	return &CodeChain{
		llm:        llm,
		codePrompt: codePrompt,
		testPrompt: testPrompt,
		callOpts:   callOpts,
	}
}

// Run 执行整条链。language 与 task 会被转成小写，为空时使用默认值。
func (c *CodeChain) Run(ctx context.Context, language, task string) (*Result, error) {
	if c == nil || c.llm == nil {
		return nil, fmt.Errorf("llm not initialized")
	}
	language = strings.ToLower(strings.TrimSpace(language))
	task = strings.ToLower(strings.TrimSpace(task))
	if language == "" {
		language = DefaultLanguage
	}
	if task == "" {
		task = DefaultTask
	}

	// Step 1: 生成代码
	prompt, err := c.codePrompt.Format(map[string]any{"language": language, "task": task})
	if err != nil {
		return nil, fmt.Errorf("format code prompt: %w", err)
	}
	var code struct {
		Code string `json:"code"`
	}
	if err := c.call(ctx, "code", prompt, &code); err != nil {
		return nil, err
	}

	// Step 2: 为生成的代码编写测试
	prompt, err = c.testPrompt.Format(map[string]any{"language": language, "code": code.Code})
	if err != nil {
		return nil, fmt.Errorf("format test prompt: %w", err)
	}
	var check struct {
		FinalCode string `json:"final_code"`
	}
	if err := c.call(ctx, "test", prompt, &check); err != nil {
		return nil, err
	}

	return &Result{Language: language, Task: task, Code: code.Code, Test: check.FinalCode}, nil
}

func (c *CodeChain) call(ctx context.Context, step, prompt string, out any) error {
	raw, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, c.callOpts...)
	if err != nil {
		return fmt.Errorf("%s step: %w", step, err)
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), out); err != nil {
		return &OutputError{Step: step, Raw: raw, Err: err}
	}
	return nil
}

// stripFence 去掉模型偶尔包裹的 ```json 代码块。
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
