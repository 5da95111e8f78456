// Package fromtoml reads a dialect-agnostic TOML schema description and
// converts it into a schemamodel.DatabaseDef, mirroring the object side of
// the same TOML schema format the engine's SQL tooling already reads, but
// targeted at object types instead of CREATE TABLE statements.
package fromtoml

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/schema"
	"github.com/permazen/permazen-sub003/internal/schemamodel"
)

// schemaFile is the top-level TOML document: [[tables]] with inline
// columns, foreign keys, and indexes.
type schemaFile struct {
	Tables []tomlTable `toml:"tables"`
}

type tomlTable struct {
	Name    string       `toml:"name"`
	Columns []tomlColumn `toml:"columns"`
	Indexes []tomlIndex  `toml:"indexes"`
}

type tomlColumn struct {
	Name          string `toml:"name"`
	Type          string `toml:"type"`
	PrimaryKey    bool   `toml:"primary_key"`
	AutoIncrement bool   `toml:"auto_increment"`
	Unique        bool   `toml:"unique"`
	References    string `toml:"references"` // "table" — the referenced table's name
	OnDelete      string `toml:"on_delete"`
}

type tomlIndex struct {
	Name    string   `toml:"name"`
	Columns []string `toml:"columns"`
	Unique  bool     `toml:"unique"`
}

// ParseFile opens path and parses it as a TOML schema.
func ParseFile(path string) (*schemamodel.DatabaseDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fromtoml: open file %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a TOML schema document from r.
func Parse(r io.Reader) (*schemamodel.DatabaseDef, error) {
	var sf schemaFile
	if _, err := toml.NewDecoder(r).Decode(&sf); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidSchema, err, "decoding TOML schema")
	}

	db := &schemamodel.DatabaseDef{}
	seen := map[string]bool{}
	for _, tt := range sf.Tables {
		name := strings.TrimSpace(tt.Name)
		if name == "" {
			return nil, apperr.New(apperr.KindInvalidSchema, "table name is empty")
		}
		if seen[strings.ToLower(name)] {
			return nil, apperr.New(apperr.KindInvalidSchema, "duplicate table name %q", name)
		}
		seen[strings.ToLower(name)] = true

		t, err := convertTable(&tt)
		if err != nil {
			return nil, fmt.Errorf("fromtoml: table %q: %w", name, err)
		}
		db.Tables = append(db.Tables, t)
	}
	return db, nil
}

// Import parses r as a TOML schema and lowers it straight to a validated
// *schema.Model.
func Import(r io.Reader) (*schema.Model, error) {
	db, err := Parse(r)
	if err != nil {
		return nil, err
	}
	objTypes, err := schemamodel.BuildObjTypes(db)
	if err != nil {
		return nil, err
	}
	return schema.NewModel(objTypes)
}

func convertTable(tt *tomlTable) (*schemamodel.TableDef, error) {
	t := &schemamodel.TableDef{Name: tt.Name}

	seenCols := map[string]bool{}
	for _, tc := range tt.Columns {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, fmt.Errorf("column name is empty")
		}
		if seenCols[strings.ToLower(name)] {
			return nil, fmt.Errorf("duplicate column name %q", name)
		}
		seenCols[strings.ToLower(name)] = true
		if tc.Type == "" && tc.References == "" {
			return nil, fmt.Errorf("column %q: type is empty", name)
		}

		col := &schemamodel.ColumnDef{
			Name:          name,
			SQLType:       tc.Type,
			PrimaryKey:    tc.PrimaryKey,
			AutoIncrement: tc.AutoIncrement,
			Unique:        tc.Unique,
		}
		if tc.References != "" {
			col.References = &schemamodel.ForeignKey{Table: tc.References, OnDelete: tc.OnDelete}
		}
		t.Columns = append(t.Columns, col)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table has no columns")
	}

	for _, ti := range tt.Indexes {
		t.Indexes = append(t.Indexes, &schemamodel.IndexDef{
			Name:    ti.Name,
			Columns: ti.Columns,
			Unique:  ti.Unique,
		})
	}

	return t, nil
}
