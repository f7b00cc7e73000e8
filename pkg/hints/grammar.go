package hints

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// hintsLexer tokenizes operator hint files:
//
//	# known bad hardware on tile 6
//	exclude link 61 -> 71
//	exclude link 43 <-> 44
//	exclude chip 55
//	root 41 on channel 2
var hintsLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},
	{Name: "Arrow", Pattern: `<->|->`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Semicolon", Pattern: `;`},
})

// File is the parsed form of a hints file.
type File struct {
	Pos        lexer.Position
	Statements []*Statement `@@*`
}

// Statement is one directive; a trailing semicolon is optional.
type Statement struct {
	Pos     lexer.Position
	Exclude *Exclude `(  "exclude" @@`
	Root    *RootDirective `| "root" @@ ) ";"?`
}

type Exclude struct {
	Link *LinkSpec `  "link" @@`
	Chip *int      `| "chip" @Int`
}

type LinkSpec struct {
	From  int    `@Int`
	Arrow string `@Arrow`
	To    int    `@Int`
}

// Both reports whether the link is excluded in both directions.
func (l *LinkSpec) Both() bool {
	return l.Arrow == "<->"
}

type RootDirective struct {
	Chip    int `@Int`
	Channel int `"on" "channel" @Int`
}
