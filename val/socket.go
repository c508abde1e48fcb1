package val

import "github.com/forder7935/wasm-link/cardinality"

// FromSocket flattens a cardinality.Socket of values into the single Val a
// guest actually receives, following the shapes original_source's
// `impl<Id> From<Socket<Val, Id>> for Val` assigns per cardinality:
// AtMostOne becomes an option, ExactlyOne is unwrapped directly, and
// AtLeastOne/Any both become a list of the per-plugin values (id ordering
// is not guaranteed, matching the original's HashMap-backed iteration).
func FromSocket[Id comparable](s cardinality.Socket[Val, Id]) Val {
	switch s.Kind() {
	case cardinality.ExactlyOne:
		var out Val
		s.Each(func(_ Id, v Val) { out = v })
		return out
	case cardinality.AtMostOne:
		if s.Len() == 0 {
			return None()
		}
		var out Val
		s.Each(func(_ Id, v Val) { out = v })
		return Some(out)
	default: // AtLeastOne, Any
		items := make([]Val, 0, s.Len())
		s.Each(func(_ Id, v Val) { items = append(items, v) })
		return List(items)
	}
}
