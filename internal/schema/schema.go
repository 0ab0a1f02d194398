// Package schema declares the collections the sync engine manages.
//
// A schema is written in CUE:
//
//	collection: orders: {
//		indexes: ["customerId", "status"]
//		window: {field: "createdAt", days: 90}
//	}
//
// Every collection is unified with the #Collection definition below and must
// be concrete. The resulting descriptors drive bulk sync, cache indexes,
// local write validation and replication uniformly, in declaration order.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed default.cue
var defaultSource []byte

const definitions = `
#Collection: {
	indexes: [...string & =~"^[A-Za-z_][A-Za-z0-9_.]*$"] | *[]
	window?: {
		field: string & !=""
		days:  int & >0
	}
}

collection: [string]: #Collection
`

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Window bounds a bulk download to documents whose Field is newer than
// now minus MaxAge.
type Window struct {
	Field  string        `json:"field"`
	MaxAge time.Duration `json:"max_age"`
}

// Cutoff returns the oldest timestamp inside the window at now.
func (w Window) Cutoff(now time.Time) time.Time {
	return now.Add(-w.MaxAge)
}

// Collection describes one synchronized collection.
type Collection struct {
	Name    string   `json:"name"`
	Indexes []string `json:"indexes"`
	Window  *Window  `json:"window,omitempty"`
}

// HasIndex reports whether field is a declared secondary index.
func (c Collection) HasIndex(field string) bool {
	for _, f := range c.Indexes {
		if f == field {
			return true
		}
	}
	return false
}

// Schema is the ordered list of collections.
type Schema struct {
	Collections []Collection `json:"collections"`
}

// Names returns collection names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Collections))
	for i, c := range s.Collections {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the named collection.
func (s *Schema) Lookup(name string) (Collection, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Default returns the embedded default schema.
func Default() *Schema {
	s, err := Compile("default.cue", defaultSource)
	if err != nil {
		panic(fmt.Sprintf("embedded schema: %v", err))
	}
	return s
}

// Load reads and compiles a CUE schema file.
func Load(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Compile(path, src)
}

// Compile parses CUE source into a Schema.
func Compile(filename string, src []byte) (*Schema, error) {
	ctx := cuecontext.New()
	def := ctx.CompileString(definitions, cue.Filename("ferry/definitions.cue"))
	if err := def.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	collVal := v.LookupPath(cue.ParsePath("collection"))
	if !collVal.Exists() {
		return nil, &CompileError{
			Field:   "collection",
			Message: "at least one collection is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := collVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{Collections: make([]Collection, 0)}
	for iter.Next() {
		c, err := compileCollection(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		s.Collections = append(s.Collections, c)
	}
	if len(s.Collections) == 0 {
		return nil, &CompileError{
			Field:   "collection",
			Message: "at least one collection is required",
			Pos:     collVal.Pos(),
		}
	}
	return s, nil
}

func compileCollection(name string, v cue.Value) (Collection, error) {
	if !namePattern.MatchString(name) {
		return Collection{}, &CompileError{
			Field:   "collection." + name,
			Message: "collection names must be lower snake case",
			Pos:     v.Pos(),
		}
	}

	var raw struct {
		Indexes []string `json:"indexes"`
		Window  *struct {
			Field string `json:"field"`
			Days  int    `json:"days"`
		} `json:"window"`
	}
	if err := v.Decode(&raw); err != nil {
		return Collection{}, formatCUEError(err)
	}

	c := Collection{Name: name, Indexes: make([]string, 0, len(raw.Indexes))}
	seen := make(map[string]bool, len(raw.Indexes))
	for _, f := range raw.Indexes {
		if seen[f] {
			return Collection{}, &CompileError{
				Field:   "collection." + name + ".indexes",
				Message: fmt.Sprintf("duplicate index %q", f),
				Pos:     v.Pos(),
			}
		}
		seen[f] = true
		c.Indexes = append(c.Indexes, f)
	}
	if raw.Window != nil {
		c.Window = &Window{
			Field:  raw.Window.Field,
			MaxAge: time.Duration(raw.Window.Days) * 24 * time.Hour,
		}
	}
	return c, nil
}

// CompileError represents a schema error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
