package models

import "strings"

// Well-known operation input keys.
const (
	InputFilePath     = "file_path"
	InputCommand      = "command"
	InputSubagentType = "subagent_type"
	InputPattern      = "pattern"
)

// ComposeQuery builds the text embedded for an operation. Fields appear in a fixed order
// and absent fields are omitted, so the same operation always yields the same text.
func ComposeQuery(op string, in OperationInput) string {
	parts := []string{"Tool: " + op}
	if p, ok := in.String(InputFilePath); ok {
		parts = append(parts, "File: "+p)
		if ext := Extension(p); ext != "" {
			parts = append(parts, "Extension: "+ext)
		}
	}
	if c, ok := in.String(InputCommand); ok {
		parts = append(parts, "Command: "+c)
	}
	if a, ok := in.String(InputSubagentType); ok {
		parts = append(parts, "Agent: "+a)
	}
	if p, ok := in.String(InputPattern); ok {
		parts = append(parts, "Pattern: "+p)
	}
	return strings.Join(parts, ". ")
}

// Extension returns the text after the last dot in path, or "" when there is none.
func Extension(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i+1:]
}
