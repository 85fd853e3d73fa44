package linters

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

var YamlJSONTagsMatch = &analysis.Analyzer{
	Name: "yaml_json_names_match",
	Doc:  "check that struct tags for json and yaml use the same name and agree with the jsonschema tag",
	Run:  structTagLinter{}.Run,
}

type structTagLinter struct{}

func (l structTagLinter) Run(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			switch x := n.(type) {
			case *ast.TypeSpec:
				if structType, ok := x.Type.(*ast.StructType); ok {
					l.checkStructTags(structType, pass)
				}
			}
			return true
		})
	}
	return nil, nil
}

func (structTagLinter) checkStructTags(structType *ast.StructType, pass *analysis.Pass) {
	for _, field := range structType.Fields.List {
		if field.Tag == nil {
			continue
		}
		tag := field.Tag.Value

		v := getYamlJSONNames(tag)

		var checkTags bool
		if v[0] != "" || v[1] != "" {
			checkTags = true
		}

		if checkTags && v[0] != v[1] {
			pass.Reportf(field.Pos(), "mismatch in struct tags: json=%s, yaml=%s", v[0], v[1])
		}

		// A field the schema marks as required must not be dropped by the
		// marshallers when it is empty, otherwise the schema advertises a
		// field that may be missing from the output.
		if hasSchemaRequired(tag) {
			if omit := omitemptyTags(tag); len(omit) > 0 {
				pass.Reportf(field.Pos(), "required field uses omitempty: %s", strings.Join(omit, ","))
			}
		}
	}
}

// hasSchemaRequired reports whether the jsonschema tag marks the field as
// required.
func hasSchemaRequired(tag string) bool {
	tag = strings.Trim(tag, "`")

	for _, t := range strings.Fields(tag) {
		key, t, _ := strings.Cut(t, ":")
		if key != "jsonschema" {
			continue
		}

		for _, opt := range strings.Split(strings.Trim(t, `"`), ",") {
			if opt == "required" {
				return true
			}
		}
	}
	return false
}

// omitemptyTags returns which of the json and yaml tags carry omitempty.
func omitemptyTags(tag string) []string {
	tag = strings.Trim(tag, "`")

	var out []string
	for _, t := range strings.Fields(tag) {
		key, t, ok := strings.Cut(t, ":")
		if !ok {
			continue
		}
		if key != "json" && key != "yaml" {
			continue
		}

		opts := strings.Split(strings.Trim(t, `"`), ",")
		for _, opt := range opts[1:] {
			if opt == "omitempty" {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

func getYamlJSONNames(tag string) [2]string {
	const (
		yaml = "yaml"
		json = "json"
	)

	tag = strings.Trim(tag, "`")

	var out [2]string
	for _, tag := range strings.Fields(tag) {
		key, tag, _ := strings.Cut(tag, ":")

		value := strings.Trim(tag, `"`)

		switch key {
		case json:
			t, _, _ := strings.Cut(value, ",")
			out[0] = t
		case yaml:
			t, _, _ := strings.Cut(value, ",")
			out[1] = t
		}

		if out[0] != "" && out[1] != "" {
			break
		}
	}

	return out
}
