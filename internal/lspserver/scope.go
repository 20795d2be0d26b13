package langserver

import "github.com/sellesoft/lpp/internal/token"

// Scope is a textmate-style semantic highlighting scope, one per token
// kind the lexer recognizes.
type Scope uint16

const (
	ScopeDocument Scope = iota
	ScopeLua
	ScopeMacroSymbol
	ScopeMacroIdentifier
	ScopeString
)

func (s Scope) String() string {
	return scopeAsString[s]
}

var scopeAsString = map[Scope]string{
	ScopeDocument:        "text.lpp",
	ScopeLua:             "source.lua.embedded.lpp",
	ScopeMacroSymbol:     "keyword.control.lpp",
	ScopeMacroIdentifier: "entity.name.function.lpp",
	ScopeString:          "string.lpp",
}

// scopeForKind maps one lexed token kind to the semantic scope a client
// should paint it with. Whitespace and Eof carry no scope.
func scopeForKind(k token.Kind) (Scope, bool) {
	switch k {
	case token.Document:
		return ScopeDocument, true
	case token.LuaLine, token.LuaInline, token.LuaBlock:
		return ScopeLua, true
	case token.MacroSymbol, token.MacroSymbolImmediate:
		return ScopeMacroSymbol, true
	case token.MacroIdentifier, token.MacroMethod:
		return ScopeMacroIdentifier, true
	case token.MacroStringArg:
		return ScopeString, true
	default:
		return 0, false
	}
}
