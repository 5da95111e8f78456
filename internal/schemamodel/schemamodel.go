// Package schemamodel is the portable, SQL-dialect-agnostic table
// description that a schema importer builds and then lowers into a
// *schema.Model: the DatabaseDef/TableDef/ColumnDef/IndexDef shapes mirror
// a relational CREATE TABLE closely enough that any dialect's front end
// (fromsql's TiDB-parser one, or a future hand-written one) can populate
// them without knowing anything about object types, fields, or encodings.
package schemamodel

import (
	"fmt"
	"strings"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// ForeignKey is an inline or table-level FOREIGN KEY reference.
type ForeignKey struct {
	Table    string
	OnDelete string // SQL referential action: CASCADE, SET NULL, RESTRICT, NO ACTION, or ""
}

// ColumnDef is one column of a TableDef.
type ColumnDef struct {
	Name          string
	SQLType       string
	PrimaryKey    bool
	AutoIncrement bool
	Unique        bool
	References    *ForeignKey
}

// IndexDef is a table-level KEY/INDEX or multi-column UNIQUE constraint.
type IndexDef struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableDef is one CREATE TABLE, reduced to what BuildObjTypes needs.
type TableDef struct {
	Name    string
	Columns []*ColumnDef
	Indexes []*IndexDef
}

// DatabaseDef is a whole schema dump's worth of tables.
type DatabaseDef struct {
	Tables []*TableDef
}

// BuildObjTypes lowers db into object-type declarations: one ObjTypeModel
// per table, the primary key column(s) dropped unless they are also foreign
// keys (the engine's ObjId is the object's identity), foreign-key columns
// turned into reference fields
// carrying the column's referential action, and indexes/uniques turned into
// Indexed fields or composite indexes.
func BuildObjTypes(db *DatabaseDef) ([]*schema.ObjTypeModel, error) {
	var out []*schema.ObjTypeModel
	for _, t := range db.Tables {
		ot := &schema.ObjTypeModel{Name: sanitizeIdent(t.Name)}

		pk := map[string]bool{}
		for _, c := range t.Columns {
			if c.PrimaryKey {
				pk[c.Name] = true
			}
		}

		indexedSingle := map[string]bool{}
		for _, c := range t.Columns {
			if c.Unique {
				indexedSingle[c.Name] = true
			}
		}
		for _, idx := range t.Indexes {
			if len(idx.Columns) == 1 {
				indexedSingle[idx.Columns[0]] = true
			}
		}

		for _, c := range t.Columns {
			if pk[c.Name] && c.References == nil {
				// The primary key's identity is carried by the object's own
				// ObjId; a surrogate int/uuid PK column has no remaining
				// purpose once lowered into the object model.
				continue
			}
			fm, err := buildField(c, indexedSingle[c.Name])
			if err != nil {
				return nil, fmt.Errorf("schemamodel: table %q: %w", t.Name, err)
			}
			ot.Fields = append(ot.Fields, fm)
		}

		for _, idx := range t.Indexes {
			if len(idx.Columns) < 2 {
				continue // single-column indexes are folded into the field itself above
			}
			ot.CompositeIndexes = append(ot.CompositeIndexes, &schema.CompositeIndexModel{
				Name:       sanitizeIdent(indexName(idx, t.Name)),
				FieldNames: sanitizeIdents(idx.Columns),
			})
		}

		out = append(out, ot)
	}
	return out, nil
}

func indexName(idx *IndexDef, table string) string {
	if idx.Name != "" {
		return idx.Name
	}
	return table + "_" + strings.Join(idx.Columns, "_") + "_idx"
}

func buildField(c *ColumnDef, indexed bool) (*schema.FieldModel, error) {
	name := sanitizeIdent(c.Name)
	if c.References != nil {
		action, err := mapOnDelete(c.References.OnDelete)
		if err != nil {
			return nil, err
		}
		return &schema.FieldModel{
			Name:         name,
			Kind:         schema.FieldReference,
			Encoding:     codec.ReferenceEncoding{},
			Indexed:      true, // reverse-lookup (delete-referrer resolution, path inversion) needs this
			AllowedTypes: []string{sanitizeIdent(c.References.Table)},
			OnDelete:     action,
		}, nil
	}
	if c.AutoIncrement {
		return &schema.FieldModel{Name: name, Kind: schema.FieldCounter, Encoding: codec.Int64Encoding{}}, nil
	}
	enc, err := mapSQLType(c.SQLType)
	if err != nil {
		return nil, err
	}
	return &schema.FieldModel{Name: name, Kind: schema.FieldSimple, Encoding: enc, Indexed: indexed}, nil
}

func mapSQLType(sqlType string) (codec.Encoding, error) {
	t := strings.ToLower(sqlType)
	switch {
	case strings.Contains(t, "tinyint(1)"), strings.Contains(t, "bool"):
		return codec.BoolEncoding{}, nil
	case strings.Contains(t, "int"):
		return codec.Int64Encoding{}, nil
	case strings.Contains(t, "float"), strings.Contains(t, "double"), strings.Contains(t, "decimal"), strings.Contains(t, "numeric"):
		return codec.Float64Encoding{}, nil
	case strings.Contains(t, "blob"), strings.Contains(t, "binary"):
		return codec.BytesEncoding{}, nil
	case strings.Contains(t, "char"), strings.Contains(t, "text"), strings.Contains(t, "enum"), strings.Contains(t, "json"),
		strings.Contains(t, "date"), strings.Contains(t, "time"), strings.Contains(t, "uuid"):
		return codec.StringEncoding{}, nil
	default:
		return nil, apperr.New(apperr.KindInvalidSchema, "unsupported SQL column type %q", sqlType)
	}
}

func mapOnDelete(action string) (schema.DeleteAction, error) {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "", "RESTRICT", "NO ACTION":
		return schema.DeleteException, nil
	case "SET NULL":
		return schema.DeleteNullify, nil
	case "CASCADE":
		return schema.DeleteCascade, nil
	case "SET DEFAULT":
		return schema.DeleteIgnore, nil
	default:
		return 0, apperr.New(apperr.KindInvalidSchema, "unsupported referential action %q", action)
	}
}

// sanitizeIdent trims and lowercases a SQL identifier. Characters outside
// the engine's identifier pattern are left as they are, so such a name
// still fails schema.NewModel's validation.
func sanitizeIdent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sanitizeIdents(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = sanitizeIdent(s)
	}
	return out
}
