package config

import "fmt"

// Evaluator evaluates a Vim expression. *nvim.Nvim satisfies it.
type Evaluator interface {
	Eval(expr string, result interface{}) error
}

// globalKeys are the config keys editors may set as g:nvim_previewer_<key>.
var globalKeys = []string{"browser", "port", "css_file", "js_file"}

// EditorGlobals reads the g:nvim_previewer_* variables that are set.
func EditorGlobals(ev Evaluator) (map[string]any, error) {
	out := make(map[string]any, len(globalKeys))
	for _, key := range globalKeys {
		var v any
		expr := fmt.Sprintf("get(g:, 'nvim_previewer_%s', v:null)", key)
		if err := ev.Eval(expr, &v); err != nil {
			return out, fmt.Errorf("reading g:nvim_previewer_%s: %w", key, err)
		}
		if v != nil {
			out[key] = v
		}
	}
	return out, nil
}
