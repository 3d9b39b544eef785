// internal/service/template_service.go
package service

import (
	"sort"
	"strings"
)

// RenderTemplate substitutes {key} placeholders in a free-form body in a
// single pass; placeholders inside substituted values stay literal.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
