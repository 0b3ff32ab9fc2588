package main

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// formatArgs renders console arguments the way a browser console would
func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok {
			parts = append(parts, s)
			continue
		}
		data, err := sonic.Marshal(a)
		if err != nil {
			parts = append(parts, fmt.Sprint(a))
			continue
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, " ")
}

func formatError(ev protocol.ErrorEvent) string {
	var b strings.Builder
	b.WriteString("[error] ")
	if ev.Name != "" {
		b.WriteString(ev.Name)
		b.WriteString(": ")
	}
	b.WriteString(ev.Message)
	if ev.Line != nil {
		where := ev.Source
		if where == "" {
			where = "script"
		}
		fmt.Fprintf(&b, " (%s:%d", where, *ev.Line)
		if ev.Column != nil {
			fmt.Fprintf(&b, ":%d", *ev.Column)
		}
		b.WriteString(")")
	}
	return b.String()
}
