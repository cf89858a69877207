package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prudhvinik1/optisync/internal/models"
)

// parsePatch turns field=value arguments into a patch. Values that parse as
// JSON keep their type; anything else is a string.
func parsePatch(args []string) (models.Data, error) {
	patch := models.Data{}
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid assignment %q, want field=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		patch[field] = v
	}
	return patch, nil
}

func printJSON(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
