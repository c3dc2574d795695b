package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/pkg/models"
)

// Columns returns the column metadata of a table in ordinal order.
func (p *CatalogProvider) Columns(ctx context.Context, table models.TableID) ([]models.Column, error) {
	switch p.DB.Driver {
	case connector.MySQL:
		return p.informationSchemaColumns(ctx, `
			SELECT
				column_name,
				data_type,
				column_type,
				character_maximum_length,
				numeric_precision,
				numeric_scale,
				is_nullable,
				column_key,
				extra
			FROM information_schema.columns
			WHERE table_schema = ?
			AND table_name = ?
			ORDER BY ordinal_position
		`, table)
	case connector.Postgres:
		return p.informationSchemaColumns(ctx, `
			SELECT
				column_name,
				data_type,
				udt_name AS column_type,
				character_maximum_length,
				numeric_precision,
				numeric_scale,
				is_nullable,
				'' AS column_key,
				CASE
					WHEN column_default LIKE 'nextval(%' OR is_identity = 'YES' THEN 'auto_increment'
					ELSE ''
				END AS extra
			FROM information_schema.columns
			WHERE table_schema = $1
			AND table_name = $2
			ORDER BY ordinal_position
		`, table)
	case connector.SQLite:
		return p.sqliteColumns(ctx, table)
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.DB.Driver)
	}
}

func (p *CatalogProvider) informationSchemaColumns(ctx context.Context, query string, table models.TableID) ([]models.Column, error) {
	rows, err := p.DB.ExecuteQuery(ctx, query, p.DB.SchemaOf(table), table.Name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no columns found for table %s", table)
	}

	columns := make([]models.Column, 0, len(rows))
	for _, row := range rows {
		columns = append(columns, models.Column{
			Name:             asString(row["column_name"]),
			DataType:         strings.ToLower(asString(row["data_type"])),
			ColumnType:       strings.ToLower(asString(row["column_type"])),
			CharMaxLength:    optionalInt(row["character_maximum_length"]),
			NumericPrecision: optionalInt(row["numeric_precision"]),
			NumericScale:     optionalInt(row["numeric_scale"]),
			IsNullable:       strings.EqualFold(asString(row["is_nullable"]), "YES"),
			ColumnKey:        asString(row["column_key"]),
			Extra:            asString(row["extra"]),
		})
	}
	return columns, nil
}

func (p *CatalogProvider) sqliteColumns(ctx context.Context, table models.TableID) ([]models.Column, error) {
	rows, err := p.DB.ExecuteQuery(ctx,
		`SELECT name, type, "notnull" AS not_null, pk FROM pragma_table_info(?) ORDER BY cid`, table.Name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no columns found for table %s", table)
	}

	pkCount := 0
	for _, row := range rows {
		if asInt(row["pk"]) > 0 {
			pkCount++
		}
	}

	columns := make([]models.Column, 0, len(rows))
	for _, row := range rows {
		declared := strings.ToLower(asString(row["type"]))
		col := models.Column{
			Name:       asString(row["name"]),
			DataType:   sqliteAffinity(declared),
			ColumnType: declared,
			IsNullable: asInt(row["not_null"]) == 0,
		}
		if asInt(row["pk"]) > 0 {
			col.ColumnKey = "PRI"
			col.IsNullable = false
			// a lone INTEGER PRIMARY KEY aliases the rowid
			if pkCount == 1 && declared == "integer" {
				col.Extra = "auto_increment"
			}
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// sqliteAffinity maps a declared type to a MySQL-style data type name the
// generator understands.
func sqliteAffinity(declared string) string {
	switch {
	case strings.Contains(declared, "int"):
		return "int"
	case strings.Contains(declared, "char"), strings.Contains(declared, "clob"), strings.Contains(declared, "text"):
		return "varchar"
	case strings.Contains(declared, "blob"):
		return "blob"
	case strings.Contains(declared, "real"), strings.Contains(declared, "floa"), strings.Contains(declared, "doub"):
		return "double"
	case strings.Contains(declared, "bool"):
		return "boolean"
	case strings.Contains(declared, "datetime"), strings.Contains(declared, "timestamp"):
		return "datetime"
	case strings.Contains(declared, "date"):
		return "date"
	case declared == "":
		return "varchar"
	default:
		return "decimal"
	}
}

func optionalInt(v interface{}) *int64 {
	if v == nil {
		return nil
	}
	val, err := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
	if err != nil {
		return nil
	}
	return &val
}
