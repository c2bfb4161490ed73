package connector

import (
	"context"
	"fmt"
	"time"
)

// ColumnInfo describes a single column of a user table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ForeignKeyInfo describes one foreign key constraint.
type ForeignKeyInfo struct {
	Columns         []string `json:"columns"`
	ReferredTable   string   `json:"referred_table"`
	ReferredColumns []string `json:"referred_columns"`
}

// TableInfo describes one user table.
type TableInfo struct {
	Schema      string           `json:"schema"`
	Columns     []ColumnInfo     `json:"columns"`
	PrimaryKeys []string         `json:"primary_keys"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
}

// SchemaInfo is the metadata snapshot handed to the model so it can
// generate accurate SQL. Keys are table names, qualified with their
// schema unless it is the driver's default one.
type SchemaInfo struct {
	Tables map[string]TableInfo `json:"tables"`
}

// System schemas excluded from introspection. The SQL Server roster also
// covers the fixed database roles that show up as schemas.
var systemSchemas = map[string][]string{
	DriverPostgres: {"pg_catalog", "information_schema"},
	DriverSQLServer: {
		"sys", "INFORMATION_SCHEMA", "guest", "db_owner", "db_accessadmin",
		"db_securityadmin", "db_ddladmin", "db_backupoperator", "db_datareader",
		"db_datawriter", "db_denydatareader", "db_denydatawriter",
	},
}

// Schemas whose tables are addressed without qualification.
var defaultSchemas = map[string]string{
	DriverPostgres:  "public",
	DriverSQLServer: "dbo",
}

func schemaFilter(driver string) string {
	if driver == DriverMySQL {
		// MySQL scopes information_schema by database, not schema roster.
		return "c.table_schema = DATABASE()"
	}
	excluded := systemSchemas[driver]
	list := ""
	for i, s := range excluded {
		if i > 0 {
			list += ", "
		}
		list += "'" + s + "'"
	}
	return "c.table_schema NOT IN (" + list + ")"
}

func columnsQuery(driver string) string {
	return `SELECT c.table_schema, c.table_name, c.column_name, c.data_type
FROM information_schema.columns c
WHERE ` + schemaFilter(driver) + `
ORDER BY c.table_schema, c.table_name, c.ordinal_position`
}

func primaryKeysQuery(driver string) string {
	filter := schemaFilter(driver)
	return `SELECT c.table_schema, c.table_name, c.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage c
  ON c.constraint_name = tc.constraint_name
 AND c.table_schema = tc.table_schema
 AND c.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND ` + filter + `
ORDER BY c.table_schema, c.table_name, c.ordinal_position`
}

func foreignKeysQuery(driver string) string {
	if driver == DriverMySQL {
		return `SELECT c.constraint_name, c.table_schema, c.table_name, c.column_name,
       c.referenced_table_schema, c.referenced_table_name, c.referenced_column_name
FROM information_schema.key_column_usage c
WHERE c.referenced_table_name IS NOT NULL
  AND c.table_schema = DATABASE()
ORDER BY c.table_name, c.constraint_name, c.ordinal_position`
	}

	// PostgreSQL records the referenced column position separately from
	// the referencing one; SQL Server keeps them aligned.
	matchPos := "ref.ordinal_position = c.position_in_unique_constraint"
	if driver == DriverSQLServer {
		matchPos = "ref.ordinal_position = c.ordinal_position"
	}

	return `SELECT c.constraint_name, c.table_schema, c.table_name, c.column_name,
       ref.table_schema AS referenced_table_schema, ref.table_name AS referenced_table_name,
       ref.column_name AS referenced_column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage c
  ON c.constraint_schema = rc.constraint_schema
 AND c.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage ref
  ON ref.constraint_schema = rc.unique_constraint_schema
 AND ref.constraint_name = rc.unique_constraint_name
 AND ` + matchPos + `
WHERE ` + schemaFilter(driver) + `
ORDER BY c.table_name, c.constraint_name, c.ordinal_position`
}

// qualifiedName joins schema and table, dropping the driver's default
// schema so generated SQL stays idiomatic for simple databases.
func (c *Connector) qualifiedName(schema, table string) string {
	if schema == "" || schema == defaultSchemas[c.driver] || c.driver == DriverMySQL {
		return table
	}
	return schema + "." + table
}

// Schema introspects the connected database: tables, columns, primary
// keys, and foreign keys, with system schemas skipped.
func (c *Connector) Schema(ctx context.Context) (*SchemaInfo, error) {
	start := time.Now()
	info := &SchemaInfo{Tables: map[string]TableInfo{}}

	rows, err := c.db.QueryContext(ctx, columnsQuery(c.driver))
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column, dataType string
		if err := rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		name := c.qualifiedName(schema, table)
		t := info.Tables[name]
		t.Schema = schema
		t.Columns = append(t.Columns, ColumnInfo{Name: column, Type: dataType})
		info.Tables[name] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading column rows: %w", err)
	}

	if err := c.loadPrimaryKeys(ctx, info); err != nil {
		return nil, err
	}
	if err := c.loadForeignKeys(ctx, info); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "Schema introspected",
		"tables", len(info.Tables),
		"duration_ms", time.Since(start).Milliseconds())
	return info, nil
}

func (c *Connector) loadPrimaryKeys(ctx context.Context, info *SchemaInfo) error {
	rows, err := c.db.QueryContext(ctx, primaryKeysQuery(c.driver))
	if err != nil {
		return fmt.Errorf("failed to list primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return fmt.Errorf("failed to scan primary key row: %w", err)
		}
		name := c.qualifiedName(schema, table)
		if t, ok := info.Tables[name]; ok {
			t.PrimaryKeys = append(t.PrimaryKeys, column)
			info.Tables[name] = t
		}
	}
	return rows.Err()
}

func (c *Connector) loadForeignKeys(ctx context.Context, info *SchemaInfo) error {
	rows, err := c.db.QueryContext(ctx, foreignKeysQuery(c.driver))
	if err != nil {
		return fmt.Errorf("failed to list foreign keys: %w", err)
	}
	defer rows.Close()

	// Multi-column constraints arrive as consecutive ordered rows; fold
	// them into one ForeignKeyInfo per constraint name.
	type fkKey struct{ table, constraint string }
	open := map[fkKey]int{}

	for rows.Next() {
		var constraint, schema, table, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&constraint, &schema, &table, &column, &refSchema, &refTable, &refColumn); err != nil {
			return fmt.Errorf("failed to scan foreign key row: %w", err)
		}

		name := c.qualifiedName(schema, table)
		t, ok := info.Tables[name]
		if !ok {
			continue
		}

		key := fkKey{table: name, constraint: constraint}
		if idx, exists := open[key]; exists {
			t.ForeignKeys[idx].Columns = append(t.ForeignKeys[idx].Columns, column)
			t.ForeignKeys[idx].ReferredColumns = append(t.ForeignKeys[idx].ReferredColumns, refColumn)
		} else {
			open[key] = len(t.ForeignKeys)
			t.ForeignKeys = append(t.ForeignKeys, ForeignKeyInfo{
				Columns:         []string{column},
				ReferredTable:   c.qualifiedName(refSchema, refTable),
				ReferredColumns: []string{refColumn},
			})
		}
		info.Tables[name] = t
	}
	return rows.Err()
}
