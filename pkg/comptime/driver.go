package comptime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/metaclang/metac/pkg/ast"
	"github.com/metaclang/metac/pkg/codegen"
	"github.com/metaclang/metac/pkg/sem"
	"github.com/metaclang/metac/pkg/types"
	"github.com/metaclang/metac/pkg/vm"
)

var log = commonlog.GetLogger("metac.comptime")

// maxRounds bounds the fixed-point iteration. Each round resolves at least
// one call, so a program with more rounds than compile-time calls is stuck.
const maxRounds = 1024

// Options configures compile-time evaluation.
type Options struct {
	// Quota bounds the instructions a single compile-time call may
	// execute. Zero means the VM default.
	Quota uint64
	// StackSize is the VM stack in bytes. Zero means the VM default.
	StackSize int
	// Cache memoizes results across builds. Nil disables caching.
	Cache *Cache
}

// Resolve drives compile-time evaluation to a fixed point: it re-runs the
// typing passes, evaluates every unresolved compile-time call in a fresh
// VM, substitutes the resulting literal back into the AST, and repeats
// until no unresolved call remains. The returned symbol table is the one
// from the final, steady typing run.
//
// A call whose lowering still depends on another unresolved call is
// retried after the others; if a whole round makes no progress the
// dependencies are cyclic and compilation fails.
func Resolve(root *ast.Root, opts Options) (*types.SymbolTable, error) {
	for round := 0; round < maxRounds; round++ {
		symt, errs := sem.Check(root)
		if len(errs) > 0 {
			return nil, joinErrors(errs)
		}

		var pending []*ast.CallExpr
		for _, call := range root.ComptimeCalls {
			if !call.Resolved {
				pending = append(pending, call)
			}
		}
		if len(pending) == 0 {
			return symt, nil
		}
		log.Debugf("round %d: %d compile-time calls pending", round, len(pending))

		progress := false
		var deferred error
		for _, call := range pending {
			err := evaluate(symt, root, call, opts)
			if errors.Is(err, codegen.ErrUnresolvedComptime) {
				deferred = err
				continue
			}
			if err != nil {
				return nil, err
			}
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("cyclic dependency between compile-time calls: %w", deferred)
		}
	}
	return nil, fmt.Errorf("compile-time evaluation did not reach a fixed point after %d rounds", maxRounds)
}

// evaluate computes a single compile-time call and injects the resulting
// literal into the AST.
func evaluate(symt *types.SymbolTable, root *ast.Root, call *ast.CallExpr, opts Options) error {
	img, err := codegen.LowerCallSite(symt, root, call)
	if err != nil {
		return err
	}

	// The image is a deterministic rendering of the resolved expression,
	// so its code bytes are the cache key.
	var key string
	if opts.Cache != nil {
		sum := sha256.Sum256(img.Code)
		key = hex.EncodeToString(sum[:])
		if value, ok, err := opts.Cache.Get(key); err != nil {
			log.Warningf("cache lookup failed: %v", err)
		} else if ok {
			log.Debugf("line %d: @%s resolved from cache: %d", call.Line(), call.Name, value)
			inject(call, value)
			return nil
		}
	}

	machine := vm.New(img)
	if opts.StackSize > 0 {
		machine.SetStackSize(opts.StackSize)
	}
	machine.SetQuota(opts.Quota)

	value, err := machine.Run()
	if err != nil {
		if errors.Is(err, vm.ErrQuotaExceeded) {
			return fmt.Errorf("line %d: compile-time call @%s did not terminate: %w",
				call.Line(), call.Name, err)
		}
		return fmt.Errorf("line %d: compile-time call @%s failed: %w", call.Line(), call.Name, err)
	}
	log.Debugf("line %d: @%s evaluated to %d after %d instructions",
		call.Line(), call.Name, value, machine.InstructionsExecuted())

	if opts.Cache != nil {
		if err := opts.Cache.Put(key, value); err != nil {
			log.Warningf("cache store failed: %v", err)
		}
	}

	inject(call, value)
	return nil
}

// inject marks the call resolved and hangs the literal replacement off it.
// Subsequent typing and lowering of the call short-circuit to the literal.
func inject(call *ast.CallExpr, value int64) {
	lit := ast.NewLiteral(ast.LitNum, strconv.FormatInt(value, 10), call.Line())
	call.Resolved = true
	call.ResolvedNode = lit
}

func joinErrors(errs []*sem.Error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return errors.New(strings.Join(msgs, "\n"))
}
