package branch

// Result is the outcome of evaluating one expression node.
//
// match, and and or produce a single boolean. not produces one boolean per
// child, so its arity follows the number of children.
type Result struct {
	values []bool
	list   bool
}

// Single wraps one boolean.
func Single(b bool) Result {
	return Result{values: []bool{b}}
}

// Many wraps an arity-preserving list of booleans.
func Many(bs ...bool) Result {
	return Result{values: append([]bool{}, bs...), list: true}
}

// IsList reports whether the result came from a not node.
func (r Result) IsList() bool { return r.list }

// Values returns the booleans of the result. A single result has length one.
func (r Result) Values() []bool {
	return append([]bool(nil), r.values...)
}

// Satisfied collapses the result to one boolean. A single result is its
// value. A list is satisfied when it is non-empty and every element is true.
func (r Result) Satisfied() bool {
	if len(r.values) == 0 {
		return false
	}
	for _, v := range r.values {
		if !v {
			return false
		}
	}
	return true
}
