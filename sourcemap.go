package glaze

import (
	"bytes"
	"context"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/ast"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/solver/errdefs"
	"github.com/moby/buildkit/solver/pb"
)

// sourceMap ties a value from a recipe back to its position in the recipe
// data. It is captured while unmarshalling and carried on the parsed types so
// failures can point at the recipe line that caused them.
type sourceMap struct {
	filename string
	language string
	data     []byte
	pos      *pb.Range
}

// sourceMapContext carries the file level details needed to build a
// [sourceMap]. It rides along on the context used to decode a recipe.
type sourceMapContext struct {
	fileName string
	data     []byte
	language string
}

type sourceMapContextKey struct{}

func withSourceMapContext(ctx context.Context, smc sourceMapContext) context.Context {
	return context.WithValue(ctx, sourceMapContextKey{}, smc)
}

func sourceMapInfo(ctx context.Context) sourceMapContext {
	v := ctx.Value(sourceMapContextKey{})
	if v == nil {
		return sourceMapContext{}
	}
	return v.(sourceMapContext)
}

// decodeOpts returns the decode options used for recipe data.
// Nested decoding done inside a custom unmarshaler must use these so
// strictness carries through to inner values.
func decodeOpts(context.Context) []yaml.DecodeOption {
	return []yaml.DecodeOption{yaml.Strict()}
}

// getDecoder returns a decoder suitable for decoding recipe yaml nodes inside
// a custom unmarshaler.
func getDecoder(ctx context.Context) *yaml.Decoder {
	return yaml.NewDecoder(bytes.NewReader(nil), decodeOpts(ctx)...)
}

// GetLocation returns an llb constraint that attaches the mapped recipe
// position to the given state.
func (sm *sourceMap) GetLocation(state llb.State) llb.ConstraintsOpt {
	return sm.getLocation(&state)
}

func (sm *sourceMap) GetRootLocation() llb.ConstraintsOpt {
	return sm.getLocation(nil)
}

func (sm *sourceMap) getLocation(st *llb.State) llb.ConstraintsOpt {
	if sm == nil {
		return constraintsOptFunc(func(*llb.Constraints) {})
	}
	sourceMap := llb.NewSourceMap(st, sm.filename, sm.language, sm.data)
	return sourceMap.Location([]*pb.Range{sm.pos})
}

func (sm *sourceMap) GetErrdefsSource() *errdefs.Source {
	if sm == nil {
		return nil
	}
	return &errdefs.Source{
		Info: &pb.SourceInfo{
			Filename: sm.filename,
			Data:     sm.data,
			Language: sm.language,
		},
		Ranges: []*pb.Range{sm.pos},
	}
}

// nodeToRange converts an AST node to a protobuf range.
func nodeToRange(node ast.Node) *pb.Range {
	token := node.GetToken()

	pos := token.Position
	start := &pb.Position{
		Line:      int32(pos.Line),
		Character: int32(pos.Column),
	}

	walk := &endPosVisitor{}
	ast.Walk(walk, node)

	return &pb.Range{
		Start: start,
		End:   walk.Position(),
	}
}

// endPosVisitor walks a yaml node to find the position where the node ends.
type endPosVisitor struct {
	endLine int
	endChar int
}

func (v *endPosVisitor) Visit(n ast.Node) ast.Visitor {
	if n == nil {
		return nil
	}

	if n.Type() == ast.CommentType {
		return v
	}

	pos := n.GetToken().Position
	if pos.Line < v.endLine {
		return v
	}

	v.endLine = pos.Line
	v.endChar = pos.Column

	if n.Type() != ast.StringType {
		return v
	}

	setEndChar := func(ns string) {
		newlines := strings.Count(ns, "\n")
		v.endLine += newlines - 1
		if newlines == 0 {
			v.endChar = pos.Column + len(ns)
			return
		}

		last := strings.LastIndex(ns, "\n")
		if last != -1 {
			v.endChar = len(ns) - last
		}
	}

	// Calling `n.String()` on an *ast.StringNode panics in some specific
	// cases, not on every string node.
	// Ref: https://github.com/goccy/go-yaml/issues/797
	// When that happens fall back to the `Value` field from the string node.
	// It misses some of the formatting `n.String()` would apply, but the
	// line numbers still come out right.
	defer func() {
		recover() //nolint:errcheck
		setEndChar(n.(*ast.StringNode).Value)
	}()
	setEndChar(n.String())

	return v
}

func (v *endPosVisitor) Position() *pb.Position {
	return &pb.Position{
		Line:      int32(v.endLine),
		Character: int32(v.endChar),
	}
}

func newSourceMap(ctx context.Context, node ast.Node) *sourceMap {
	smCtx := sourceMapInfo(ctx)
	return &sourceMap{
		filename: smCtx.fileName,
		language: smCtx.language,
		data:     smCtx.data,
		pos:      nodeToRange(node),
	}
}

// sourceMappedValue is useful for unmarshalling core types (string, int,
// bool, etc) where the source position needs to be captured alongside the
// value.
type sourceMappedValue[T any] struct {
	Value     T
	sourceMap *sourceMap
}

func (s *sourceMappedValue[T]) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	type internal sourceMappedValue[T]
	var i internal

	if err := yaml.NodeToValue(node, &i.Value, decodeOpts(ctx)...); err != nil {
		return err
	}

	s.Value = i.Value
	s.sourceMap = newSourceMap(ctx, node)
	return nil
}
