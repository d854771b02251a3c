package command

import (
	"strings"
)

// ParseResult 承载一行输入解析后的结构化结果。
type ParseResult struct {
	IsCommand   bool     // 是否检测到命令前缀
	Tokens      []string // 命令及参数 token（包含命令本身，不含前缀）
	Raw         string   // 原始输入文本
	ArgumentRaw string   // 去除命令后的原始参数串
}

// Parser 判定一行 REPL 输入是否为斜杠命令并拆分 token。
type Parser struct {
	Prefix string // 命令前缀，默认 "/"
}

// NewParser 创建带默认前缀的解析器。
func NewParser() Parser {
	return Parser{Prefix: "/"}
}

// Parse 将文本拆解为命令 token。
// 只有首个字段以前缀开头且前缀后非空时才视为命令，例如 "/history" 或 "/model gpt"；
// 单独的 "/" 或普通文本按对话内容处理。
func (p Parser) Parse(text string) ParseResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParseResult{Raw: text}
	}

	prefix := p.Prefix
	if prefix == "" {
		prefix = "/"
	}

	fields := strings.Fields(trimmed)
	first := fields[0]
	if !strings.HasPrefix(first, prefix) || len(first) <= len(prefix) {
		return ParseResult{Raw: text}
	}

	commandToken := strings.ToLower(strings.TrimPrefix(first, prefix))
	tokens := make([]string, 0, len(fields))
	tokens = append(tokens, commandToken)
	tokens = append(tokens, fields[1:]...)

	argumentRaw := ""
	if len(fields) > 1 {
		argumentRaw = strings.TrimSpace(strings.TrimPrefix(trimmed, first))
	}

	return ParseResult{
		IsCommand:   true,
		Tokens:      tokens,
		Raw:         text,
		ArgumentRaw: argumentRaw,
	}
}
