package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/pkg/models"
)

// CatalogProvider reads foreign keys from the database catalog of one
// connection. MySQL and PostgreSQL use information_schema, SQLite uses its
// pragma table functions.
type CatalogProvider struct {
	DB *connector.DatabaseConnector
}

// NewCatalogProvider creates a metadata provider backed by db.
func NewCatalogProvider(db *connector.DatabaseConnector) *CatalogProvider {
	return &CatalogProvider{DB: db}
}

const mysqlForeignKeys = `
	SELECT
		k.table_schema,
		k.table_name,
		k.column_name,
		k.referenced_table_schema,
		k.referenced_table_name,
		k.referenced_column_name,
		k.constraint_name,
		c.is_nullable
	FROM information_schema.key_column_usage k
	JOIN information_schema.columns c
		ON c.table_schema = k.table_schema
		AND c.table_name = k.table_name
		AND c.column_name = k.column_name
	WHERE k.referenced_table_name IS NOT NULL
`

const postgresForeignKeys = `
	SELECT
		kcu.table_schema,
		kcu.table_name,
		kcu.column_name,
		ccu.table_schema AS referenced_table_schema,
		ccu.table_name AS referenced_table_name,
		ccu.column_name AS referenced_column_name,
		tc.constraint_name,
		c.is_nullable
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON kcu.constraint_schema = tc.constraint_schema
		AND kcu.constraint_name = tc.constraint_name
	JOIN information_schema.constraint_column_usage ccu
		ON ccu.constraint_schema = tc.constraint_schema
		AND ccu.constraint_name = tc.constraint_name
	JOIN information_schema.columns c
		ON c.table_schema = kcu.table_schema
		AND c.table_name = kcu.table_name
		AND c.column_name = kcu.column_name
	WHERE tc.constraint_type = 'FOREIGN KEY'
`

// Normalize drops the default schema so qualified and unqualified names of
// the same table compare equal.
func (p *CatalogProvider) Normalize(t models.TableID) models.TableID {
	if p.DB.Driver == connector.SQLite {
		return models.TableID{Name: t.Name}
	}
	if t.Schema == p.DB.DefaultSchema() {
		t.Schema = ""
	}
	return t
}

// Referenced implements MetadataProvider.
func (p *CatalogProvider) Referenced(ctx context.Context, table models.TableID) ([]models.ForeignKey, error) {
	schema := p.DB.SchemaOf(table)
	switch p.DB.Driver {
	case connector.MySQL:
		return p.query(ctx, mysqlForeignKeys+`
		AND k.table_schema = ?
		AND k.table_name = ?
		AND k.referenced_table_schema = k.table_schema
		ORDER BY k.constraint_name, k.ordinal_position`, schema, table.Name)
	case connector.Postgres:
		return p.query(ctx, postgresForeignKeys+`
		AND kcu.table_schema = $1
		AND kcu.table_name = $2
		AND ccu.table_schema = kcu.table_schema
		ORDER BY tc.constraint_name, kcu.ordinal_position`, schema, table.Name)
	case connector.SQLite:
		return p.sqliteReferenced(ctx, table.Name)
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.DB.Driver)
	}
}

// Referencing implements MetadataProvider.
func (p *CatalogProvider) Referencing(ctx context.Context, table models.TableID) ([]models.ForeignKey, error) {
	schema := p.DB.SchemaOf(table)
	switch p.DB.Driver {
	case connector.MySQL:
		return p.query(ctx, mysqlForeignKeys+`
		AND k.referenced_table_schema = ?
		AND k.referenced_table_name = ?
		AND k.table_schema = k.referenced_table_schema
		ORDER BY k.table_name, k.constraint_name, k.ordinal_position`, schema, table.Name)
	case connector.Postgres:
		return p.query(ctx, postgresForeignKeys+`
		AND ccu.table_schema = $1
		AND ccu.table_name = $2
		AND kcu.table_schema = ccu.table_schema
		ORDER BY kcu.table_name, tc.constraint_name, kcu.ordinal_position`, schema, table.Name)
	case connector.SQLite:
		return p.sqliteReferencing(ctx, table.Name)
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.DB.Driver)
	}
}

func (p *CatalogProvider) query(ctx context.Context, query string, params ...interface{}) ([]models.ForeignKey, error) {
	rows, err := p.DB.ExecuteQuery(ctx, query, params...)
	if err != nil {
		return nil, err
	}

	var fks []models.ForeignKey
	for _, row := range rows {
		fks = append(fks, models.ForeignKey{
			Table: p.Normalize(models.TableID{
				Schema: asString(row["table_schema"]),
				Name:   asString(row["table_name"]),
			}),
			Column: asString(row["column_name"]),
			ReferencedTable: p.Normalize(models.TableID{
				Schema: asString(row["referenced_table_schema"]),
				Name:   asString(row["referenced_table_name"]),
			}),
			ReferencedColumn: asString(row["referenced_column_name"]),
			ConstraintName:   asString(row["constraint_name"]),
			IsNullable:       strings.EqualFold(asString(row["is_nullable"]), "YES"),
		})
	}
	return mergeComposite(fks), nil
}

// mergeComposite folds the per-column rows of multi-column constraints into
// one edge. The edge is nullable when any of its columns is.
func mergeComposite(fks []models.ForeignKey) []models.ForeignKey {
	var out []models.ForeignKey
	pos := make(map[string]int)
	for _, fk := range fks {
		key := fk.Table.String() + "\x00" + fk.ConstraintName
		if i, ok := pos[key]; ok {
			out[i].Column += "," + fk.Column
			out[i].ReferencedColumn += "," + fk.ReferencedColumn
			out[i].IsNullable = out[i].IsNullable || fk.IsNullable
			continue
		}
		pos[key] = len(out)
		out = append(out, fk)
	}
	return out
}

func (p *CatalogProvider) sqliteReferenced(ctx context.Context, table string) ([]models.ForeignKey, error) {
	exists, err := p.DB.ExecuteQuery(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, table)
	if err != nil {
		return nil, err
	}
	if len(exists) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	rows, err := p.DB.ExecuteQuery(ctx,
		`SELECT id, seq, "table" AS ref_table, "from" AS from_col, "to" AS to_col FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	nullable, err := p.sqliteNullable(ctx, table)
	if err != nil {
		return nil, err
	}

	var fks []models.ForeignKey
	for _, row := range rows {
		col := asString(row["from_col"])
		fks = append(fks, models.ForeignKey{
			Table:            models.TableID{Name: table},
			Column:           col,
			ReferencedTable:  models.TableID{Name: asString(row["ref_table"])},
			ReferencedColumn: asString(row["to_col"]),
			ConstraintName:   fmt.Sprintf("fk_%s_%v", table, row["id"]),
			IsNullable:       nullable[strings.ToLower(col)],
		})
	}
	return mergeComposite(fks), nil
}

func (p *CatalogProvider) sqliteNullable(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := p.DB.ExecuteQuery(ctx, `SELECT name, "notnull" AS not_null, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	nullable := make(map[string]bool, len(rows))
	for _, row := range rows {
		nullable[strings.ToLower(asString(row["name"]))] = asInt(row["not_null"]) == 0 && asInt(row["pk"]) == 0
	}
	return nullable, nil
}

func (p *CatalogProvider) sqliteReferencing(ctx context.Context, table string) ([]models.ForeignKey, error) {
	tables, err := p.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ForeignKey
	for _, t := range tables {
		fks, err := p.sqliteReferenced(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		for _, fk := range fks {
			if strings.EqualFold(fk.ReferencedTable.Name, table) {
				fk.ReferencedTable = models.TableID{Name: table}
				out = append(out, fk)
			}
		}
	}
	return out, nil
}

// ListTables returns all base tables of the connection's schema, sorted by name.
func (p *CatalogProvider) ListTables(ctx context.Context) ([]models.TableID, error) {
	var (
		rows []map[string]interface{}
		err  error
	)
	switch p.DB.Driver {
	case connector.MySQL, connector.Postgres:
		query := `
			SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = ` + p.DB.Placeholder(1) + `
			AND table_type = 'BASE TABLE'
			ORDER BY table_name
		`
		rows, err = p.DB.ExecuteQuery(ctx, query, p.DB.DefaultSchema())
	case connector.SQLite:
		rows, err = p.DB.ExecuteQuery(ctx, `
			SELECT name AS table_name
			FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
			ORDER BY name
		`)
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.DB.Driver)
	}
	if err != nil {
		return nil, err
	}

	tables := make([]models.TableID, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, models.TableID{Name: asString(row["table_name"])})
	}
	sort.SliceStable(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		var out int64
		fmt.Sscanf(asString(v), "%d", &out)
		return out
	}
}
