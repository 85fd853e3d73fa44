package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glaze-build/glaze"
	"github.com/invopop/jsonschema"
)

func main() {
	var r jsonschema.Reflector
	if err := r.AddGoComments("github.com/glaze-build/glaze", "./"); err != nil {
		panic(err)
	}

	schema := r.Reflect(&glaze.Recipe{})

	dt, err := json.MarshalIndent(schema, "", "\t")
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		if err := os.MkdirAll(filepath.Dir(os.Args[1]), 0o755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(os.Args[1], dt, 0o644); err != nil {
			panic(err)
		}
		return
	}
	fmt.Println(string(dt))
}
