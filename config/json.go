package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// SyntaxError is a json.SyntaxError located by line in the config file.
type SyntaxError struct {
	Cause *json.SyntaxError
	Line  int
	help  string
}

func (e *SyntaxError) Error() string { return e.help }

func (e *SyntaxError) Unwrap() error { return e.Cause }

// unmarshalJSON decodes JSON allowing // line comments outside strings.
func unmarshalJSON(data []byte, c map[string]interface{}) error {
	data = stripComments(append([]byte(nil), data...))
	err := json.Unmarshal(data, &c)
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return locate(data, syntax)
	}
	return err
}

// stripComments blanks out // comments keeping offsets intact.
func stripComments(data []byte) []byte {
	var inString, inComment, escaped bool
	for i := 0; i < len(data); i++ {
		ch := data[i]
		switch {
		case inComment:
			if ch == '\n' {
				inComment = false
			} else {
				data[i] = ' '
			}
		case inString:
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(data) && data[i+1] == '/':
			inComment = true
			data[i] = ' '
		}
	}
	return data
}

func locate(data []byte, syntax *json.SyntaxError) error {
	off := int(syntax.Offset)
	if off > len(data) {
		off = len(data)
	}
	start := bytes.LastIndexByte(data[:off], '\n') + 1
	line := bytes.Count(data[:start], []byte{'\n'}) + 1
	return &SyntaxError{
		Cause: syntax,
		Line:  line,
		help: fmt.Sprintf("%s (byte=%d line=%d): %s<---",
			syntax.Error(), syntax.Offset, line, data[start:off]),
	}
}
