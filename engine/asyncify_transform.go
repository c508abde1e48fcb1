package engine

import "github.com/forder7935/wasm-link/asyncify"

// IsAsyncified checks if a WASM module has been asyncified.
var IsAsyncified = asyncify.IsAsyncified
