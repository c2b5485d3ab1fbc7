package expr

// Walk calls fn for every node in the expression tree in depth-first
// pre-order. Walking stops early if fn returns false.
func Walk(e Expression, fn func(Expression) bool) bool {
	if !fn(e) {
		return false
	}
	switch e := e.(type) {
	case *GetField:
		return Walk(e.Input, fn)
	case *Binary:
		return Walk(e.Left, fn) && Walk(e.Right, fn)
	case *Not:
		return Walk(e.Input, fn)
	case *FillEmpty:
		return Walk(e.Input, fn) && Walk(e.Alt, fn)
	case *If:
		return Walk(e.Cond, fn) && Walk(e.Then, fn) && Walk(e.Else, fn)
	case *Function:
		for _, a := range e.Args {
			if !Walk(a, fn) {
				return false
			}
		}
	}
	return true
}

// CollectFieldPaths returns every document path referenced by e, in first-use
// order without duplicates. The stage builder uses this for dependency
// pruning and dotted-path dedup.
func CollectFieldPaths(e Expression) []string {
	var paths []string
	seen := map[string]struct{}{}
	Walk(e, func(n Expression) bool {
		if fp, ok := n.(*FieldPath); ok {
			if _, dup := seen[fp.Path]; !dup {
				seen[fp.Path] = struct{}{}
				paths = append(paths, fp.Path)
			}
		}
		return true
	})
	return paths
}

// RewriteFieldPaths returns a copy of e with every FieldPath node replaced by
// the result of fn. Non-FieldPath nodes are rebuilt only along rewritten
// spines.
func RewriteFieldPaths(e Expression, fn func(path string) Expression) Expression {
	switch e := e.(type) {
	case *FieldPath:
		return fn(e.Path)
	case *GetField:
		return &GetField{Input: RewriteFieldPaths(e.Input, fn), Field: e.Field}
	case *Binary:
		return &Binary{
			Op:    e.Op,
			Left:  RewriteFieldPaths(e.Left, fn),
			Right: RewriteFieldPaths(e.Right, fn),
		}
	case *Not:
		return &Not{Input: RewriteFieldPaths(e.Input, fn)}
	case *FillEmpty:
		return &FillEmpty{
			Input: RewriteFieldPaths(e.Input, fn),
			Alt:   RewriteFieldPaths(e.Alt, fn),
		}
	case *If:
		return &If{
			Cond: RewriteFieldPaths(e.Cond, fn),
			Then: RewriteFieldPaths(e.Then, fn),
			Else: RewriteFieldPaths(e.Else, fn),
		}
	case *Function:
		args := make([]Expression, len(e.Args))
		for i, a := range e.Args {
			args[i] = RewriteFieldPaths(a, fn)
		}
		return &Function{Name: e.Name, Args: args}
	default:
		return e
	}
}
