// Package main is the objdb CLI: schema registration, GC, migration, and
// bundle inspection against an objdb.DB, following the teacher's cobra
// subcommand-per-operation layout (cmd/smf/main.go).
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/kvstore/sqlkv"
	"github.com/permazen/permazen-sub003/internal/schema"
	"github.com/permazen/permazen-sub003/internal/schemamodel/fromsql"
	"github.com/permazen/permazen-sub003/internal/schemamodel/fromtoml"
	"github.com/permazen/permazen-sub003/objdb"
)

// config is the on-disk TOML shape for --config: which KV backend to dial
// and how, mirroring the teacher's [database]-style top-level TOML layout.
type config struct {
	Store struct {
		Backend string `toml:"backend"` // "mem" or "mysql"
		DSN     string `toml:"dsn"`
		Table   string `toml:"table"`
	} `toml:"store"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	cfg.Store.Backend = "mem"
	cfg.Store.Table = "objkv"
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("objdb: reading config %q: %w", path, err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config) (kv.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "", "mem", "memory":
		return kv.NewMemStore(), nil
	case "mysql":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("objdb: store.dsn is required for the mysql backend")
		}
		db, err := sql.Open("mysql", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("objdb: opening mysql connection: %w", err)
		}
		table := cfg.Store.Table
		if table == "" {
			table = "objkv"
		}
		return sqlkv.Open(ctx, db, table)
	default:
		return nil, fmt.Errorf("objdb: unsupported store backend %q", cfg.Store.Backend)
	}
}

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "objdb",
		Short: "Object-graph database administration tool",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML store config file")

	rootCmd.AddCommand(createSchemaCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(gcSchemasCmd())
	rootCmd.AddCommand(inspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createSchemaCmd() *cobra.Command {
	var fromSQLPath, fromTOMLPath string
	cmd := &cobra.Command{
		Use:   "create-schema",
		Short: "Register a schema model built from a SQL or TOML description",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (fromSQLPath == "") == (fromTOMLPath == "") {
				return fmt.Errorf("exactly one of --from-sql or --from-toml is required")
			}

			var model *schema.Model
			var err error
			if fromSQLPath != "" {
				model, err = loadModelFromSQL(fromSQLPath)
			} else {
				model, err = loadModelFromTOML(fromTOMLPath)
			}
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			db, err := objdb.Open(ctx, store)
			if err != nil {
				return fmt.Errorf("objdb: opening database: %w", err)
			}

			idx, err := db.RegisterSchema(ctx, model)
			if err != nil {
				return fmt.Errorf("objdb: registering schema: %w", err)
			}
			fmt.Printf("registered schema %s at index %d\n", model.SchemaId(), idx)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromSQLPath, "from-sql", "", "Path to a SQL file of CREATE TABLE statements")
	cmd.Flags().StringVar(&fromTOMLPath, "from-toml", "", "Path to a TOML schema description")
	return cmd
}

func loadModelFromSQL(path string) (*schema.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("objdb: reading %q: %w", path, err)
	}
	m, err := fromsql.Import(string(data))
	if err != nil {
		return nil, fmt.Errorf("objdb: importing SQL schema: %w", err)
	}
	return m, nil
}

func loadModelFromTOML(path string) (*schema.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objdb: reading %q: %w", path, err)
	}
	defer f.Close()
	m, err := fromtoml.Import(f)
	if err != nil {
		return nil, fmt.Errorf("objdb: importing TOML schema: %w", err)
	}
	return m, nil
}

func migrateCmd() *cobra.Command {
	var schemaID string
	var objectIDs []string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Force-migrate a list of objects to the given schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaID == "" {
				return fmt.Errorf("--schema-id is required")
			}
			if len(objectIDs) == 0 {
				return fmt.Errorf("at least one --object is required")
			}

			ctx := cmd.Context()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			db, err := objdb.Open(ctx, store)
			if err != nil {
				return fmt.Errorf("objdb: opening database: %w", err)
			}

			tx, err := db.BeginTransaction(ctx, schemaID)
			if err != nil {
				return fmt.Errorf("objdb: beginning transaction: %w", err)
			}

			for _, s := range objectIDs {
				id, err := parseObjID(s)
				if err != nil {
					tx.Rollback(ctx)
					return err
				}
				if err := tx.Migrate(ctx, id); err != nil {
					tx.Rollback(ctx)
					return fmt.Errorf("objdb: migrating %s: %w", s, err)
				}
				fmt.Printf("migrated %s\n", s)
			}

			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("objdb: committing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaID, "schema-id", "", "Target SchemaId to migrate objects to")
	cmd.Flags().StringSliceVar(&objectIDs, "object", nil, "Hex-encoded ObjId to migrate (repeatable)")
	return cmd
}

func parseObjID(s string) (codec.ObjId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return codec.ObjId{}, fmt.Errorf("objdb: invalid object id %q: %w", s, err)
	}
	return codec.ParseObjId(b)
}

func gcSchemasCmd() *cobra.Command {
	var schemaID string
	cmd := &cobra.Command{
		Use:   "gc-schemas",
		Short: "Remove a schema from the bundle, freeing its storage IDs",
		Long: `Removes the schema identified by --schema-id from the bundle. It is the
caller's responsibility to have already migrated or deleted every object
still stored under that schema; gc-schemas does not scan for or check them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaID == "" {
				return fmt.Errorf("--schema-id is required")
			}
			ctx := cmd.Context()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			db, err := objdb.Open(ctx, store)
			if err != nil {
				return fmt.Errorf("objdb: opening database: %w", err)
			}
			if err := db.RemoveSchema(ctx, schemaID); err != nil {
				return fmt.Errorf("objdb: removing schema: %w", err)
			}
			fmt.Printf("removed schema %s\n", schemaID)
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaID, "schema-id", "", "SchemaId to remove")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List every schema registered in the bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			db, err := objdb.Open(ctx, store)
			if err != nil {
				return fmt.Errorf("objdb: opening database: %w", err)
			}

			for _, s := range db.Bundle().Schemas() {
				fmt.Printf("schema[%d] %s\n", s.Index, s.Model.SchemaId())
				for _, ot := range s.ObjTypes {
					fmt.Printf("  %s (storage id %d)\n", ot.Name, ot.StorageID)
					for _, f := range ot.FieldsByName {
						fmt.Printf("    %s: %s\n", f.Name, f.Encoding.Name())
					}
				}
			}
			return nil
		},
	}
	return cmd
}
