package codegen

import "github.com/metaclang/metac/pkg/ast"

// reachableFuncs computes the set of function names transitively callable
// from expr, so LowerCallSite only emits functions a compile-time call can
// actually reach. Resolved compile-time calls contribute their replacement
// node; unresolved ones contribute their callee and arguments like any
// other call (lowering reports those that are not the call being evaluated).
func reachableFuncs(root *ast.Root, expr ast.Expr) map[string]bool {
	decls := make(map[string]*ast.FuncDecl, len(root.Funcs))
	for _, fn := range root.Funcs {
		decls[fn.Name] = fn
	}

	reached := make(map[string]bool)
	var worklist []string

	add := func(name string) {
		if !reached[name] && decls[name] != nil {
			reached[name] = true
			worklist = append(worklist, name)
		}
	}

	collectExpr(expr, add)
	for len(worklist) > 0 {
		name := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if body := decls[name].Body; body != nil {
			collectStmt(body, add)
		}
	}
	return reached
}

func collectExpr(e ast.Expr, add func(string)) {
	switch x := e.(type) {
	case *ast.UnaryExpr:
		collectExpr(x.X, add)
	case *ast.BinaryExpr:
		collectExpr(x.Left, add)
		collectExpr(x.Right, add)
	case *ast.CallExpr:
		if x.Resolved {
			collectExpr(x.ResolvedNode, add)
			return
		}
		add(x.Name)
		for _, arg := range x.Args {
			collectExpr(arg, add)
		}
	}
}

func collectStmt(s ast.Stmt, add func(string)) {
	switch st := s.(type) {
	case *ast.BlockStmt:
		for _, inner := range st.Stmts {
			collectStmt(inner, add)
		}
	case *ast.AssignStmt:
		collectExpr(st.Left, add)
		collectExpr(st.Right, add)
	case *ast.IfStmt:
		collectExpr(st.Cond, add)
		collectStmt(st.Then, add)
		if st.Else != nil {
			collectStmt(st.Else, add)
		}
	case *ast.WhileStmt:
		collectExpr(st.Cond, add)
		collectStmt(st.Body, add)
	case *ast.PrintStmt:
		for _, arg := range st.Args {
			collectExpr(arg, add)
		}
	case *ast.ReturnStmt:
		collectExpr(st.X, add)
	case *ast.ExprStmt:
		collectExpr(st.X, add)
	}
}
