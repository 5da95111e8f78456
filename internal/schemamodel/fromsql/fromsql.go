// Package fromsql is a schemamodel.DatabaseDef front end for MySQL/TiDB
// CREATE TABLE dumps, built on the TiDB SQL parser.
package fromsql

import (
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/schema"
	"github.com/permazen/permazen-sub003/internal/schemamodel"
)

// Import parses sql (one or more CREATE TABLE statements) and lowers it
// straight to a validated *schema.Model.
func Import(sql string) (*schema.Model, error) {
	db, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	objTypes, err := schemamodel.BuildObjTypes(db)
	if err != nil {
		return nil, err
	}
	return schema.NewModel(objTypes)
}

// Parse extracts every CREATE TABLE statement in sql into a DatabaseDef.
// Statements other than CREATE TABLE (views, triggers, DMLs that sometimes
// ride along in a dump) are ignored, matching how a schema importer is
// meant to be used: point it at a structural dump, not a data one.
func Parse(sql string) (*schemamodel.DatabaseDef, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidSchema, err, "parsing SQL schema")
	}

	db := &schemamodel.DatabaseDef{}
	for _, stmt := range stmtNodes {
		create, ok := stmt.(*ast.CreateTableStmt)
		if !ok {
			continue
		}
		t, err := convertTable(create)
		if err != nil {
			return nil, err
		}
		db.Tables = append(db.Tables, t)
	}
	return db, nil
}

func convertTable(stmt *ast.CreateTableStmt) (*schemamodel.TableDef, error) {
	t := &schemamodel.TableDef{Name: stmt.Table.Name.O}

	fks := map[string]*schemamodel.ForeignKey{}
	uniqueCols := map[string]bool{}
	pkCols := map[string]bool{}

	for _, colDef := range stmt.Cols {
		col := &schemamodel.ColumnDef{
			Name:    colDef.Name.Name.O,
			SQLType: colDef.Tp.String(),
		}
		for _, opt := range colDef.Options {
			switch opt.Tp {
			case ast.ColumnOptionPrimaryKey:
				col.PrimaryKey = true
				pkCols[col.Name] = true
			case ast.ColumnOptionAutoIncrement:
				col.AutoIncrement = true
			case ast.ColumnOptionUniqKey:
				col.Unique = true
			case ast.ColumnOptionReference:
				fk := &schemamodel.ForeignKey{Table: opt.Refer.Table.Name.O}
				if opt.Refer.OnDelete != nil {
					fk.OnDelete = opt.Refer.OnDelete.ReferOpt.String()
				}
				col.References = fk
			}
		}
		t.Columns = append(t.Columns, col)
	}

	for _, c := range stmt.Constraints {
		var cols []string
		for _, key := range c.Keys {
			cols = append(cols, key.Column.Name.O)
		}
		switch c.Tp {
		case ast.ConstraintPrimaryKey:
			for _, name := range cols {
				pkCols[name] = true
				if col := findColumn(t, name); col != nil {
					col.PrimaryKey = true
				}
			}
		case ast.ConstraintUniq, ast.ConstraintUniqKey, ast.ConstraintUniqIndex:
			if len(cols) == 1 {
				uniqueCols[cols[0]] = true
			} else {
				t.Indexes = append(t.Indexes, &schemamodel.IndexDef{Name: c.Name, Columns: cols, Unique: true})
			}
		case ast.ConstraintIndex, ast.ConstraintKey:
			t.Indexes = append(t.Indexes, &schemamodel.IndexDef{Name: c.Name, Columns: cols})
		case ast.ConstraintForeignKey:
			if len(cols) != 1 {
				return nil, apperr.New(apperr.KindInvalidSchema, "table %q: multi-column foreign keys are not supported", t.Name)
			}
			fk := &schemamodel.ForeignKey{Table: c.Refer.Table.Name.O}
			if c.Refer.OnDelete != nil {
				fk.OnDelete = c.Refer.OnDelete.ReferOpt.String()
			}
			fks[cols[0]] = fk
		}
	}

	for _, col := range t.Columns {
		if col.Unique || uniqueCols[col.Name] {
			col.Unique = true
		}
		if fk, ok := fks[col.Name]; ok {
			col.References = fk
		}
		if pkCols[col.Name] {
			col.PrimaryKey = true
		}
	}

	return t, nil
}

func findColumn(t *schemamodel.TableDef, name string) *schemamodel.ColumnDef {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}
