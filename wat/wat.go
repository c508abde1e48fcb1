package wat

import (
	"github.com/forder7935/wasm-link/wat/internal/encoder"
	"github.com/forder7935/wasm-link/wat/internal/parser"
	"github.com/forder7935/wasm-link/wat/internal/token"
)

func Compile(source string) ([]byte, error) {
	tokens := token.Tokenize(source)
	p := parser.New(tokens)
	mod, err := p.Parse()
	if err != nil {
		return nil, err
	}
	return encoder.Encode(mod), nil
}
