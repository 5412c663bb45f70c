package policy

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/fieldsync/internal/model"
)

// schema closes the accepted shape of a policy file. Unknown entity types,
// unknown keys and unknown authority classes are all rejected by CUE.
const schema = `
#Authority: "server_authoritative" | "client_authoritative" | "mergeable"

#Table: {
	default?: #Authority
	fields?: [string]: #Authority
}

#Policy: {
	assignment?:   #Table
	note?:         #Table
	photo_record?: #Table
	time_entry?:   #Table
}
`

// LoadError reports a problem in a policy file, with the CUE source
// position when one is known.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile reads a CUE policy file and layers it over Default().
func LoadFile(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	override, err := Compile(path, src)
	if err != nil {
		return nil, err
	}
	return Default().Merge(override), nil
}

// Compile parses CUE source into a Policy containing only what the source
// declares. Use Default().Merge to fill in the rest.
//
// Example source:
//
//	assignment: {
//		fields: {
//			status: "server_authoritative"
//			notes:  "client_authoritative"
//		}
//	}
func Compile(filename string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	def := ctx.CompileString(schema, cue.Filename("policy-schema.cue")).
		LookupPath(cue.ParsePath("#Policy"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	tables := make(map[model.EntityType]Table)
	for _, et := range model.EntityTypes() {
		tv := v.LookupPath(cue.ParsePath(string(et)))
		if !tv.Exists() {
			continue
		}
		t, err := compileTable(tv)
		if err != nil {
			return nil, err
		}
		tables[et] = t
	}
	return New(tables), nil
}

func compileTable(v cue.Value) (Table, error) {
	t := Table{Fields: map[string]model.Authority{}}

	if dv := v.LookupPath(cue.ParsePath("default")); dv.Exists() {
		s, err := dv.String()
		if err != nil {
			return Table{}, formatCUEError(err)
		}
		a, err := model.ParseAuthority(s)
		if err != nil {
			return Table{}, &LoadError{Field: "default", Message: err.Error(), Pos: dv.Pos()}
		}
		t.Default = a
	}

	fv := v.LookupPath(cue.ParsePath("fields"))
	if !fv.Exists() {
		return t, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return Table{}, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		s, err := iter.Value().String()
		if err != nil {
			return Table{}, formatCUEError(err)
		}
		a, err := model.ParseAuthority(s)
		if err != nil {
			return Table{}, &LoadError{Field: "fields." + name, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		t.Fields[name] = a
	}
	return t, nil
}

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
		return &LoadError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Field: "cue", Message: first.Error()}
}
