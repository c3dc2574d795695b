package analyzer

import (
	"context"
	"fmt"

	"github.com/vitebski/dbimporter/pkg/models"
)

// MetadataProvider supplies foreign key facts for tables of one schema scope.
type MetadataProvider interface {
	// Referenced returns the foreign keys declared by table.
	Referenced(ctx context.Context, table models.TableID) ([]models.ForeignKey, error)
	// Referencing returns the foreign keys other tables declare against table.
	Referencing(ctx context.Context, table models.TableID) ([]models.ForeignKey, error)
}

// Normalizer is implemented by providers that can canonicalise table
// identifiers, e.g. by dropping the connection's default schema.
type Normalizer interface {
	Normalize(table models.TableID) models.TableID
}

// SchemaResolutionError reports that metadata for a table could not be read.
type SchemaResolutionError struct {
	Table models.TableID
	Err   error
}

func (e *SchemaResolutionError) Error() string {
	return fmt.Sprintf("resolve schema of %s: %v", e.Table, e.Err)
}

func (e *SchemaResolutionError) Unwrap() error { return e.Err }

// StaticProvider answers from a fixed list of foreign keys.
type StaticProvider struct {
	ForeignKeys []models.ForeignKey
	// Known, when non-nil, limits which tables exist; lookups of other
	// tables fail.
	Known map[models.TableID]bool
}

// NewStaticProvider returns a provider over the given relationships.
func NewStaticProvider(fks ...models.ForeignKey) *StaticProvider {
	return &StaticProvider{ForeignKeys: fks}
}

func (p *StaticProvider) check(table models.TableID) error {
	if p.Known != nil && !p.Known[table] {
		return fmt.Errorf("table %s not found", table)
	}
	return nil
}

// Referenced implements MetadataProvider.
func (p *StaticProvider) Referenced(_ context.Context, table models.TableID) ([]models.ForeignKey, error) {
	if err := p.check(table); err != nil {
		return nil, err
	}
	var out []models.ForeignKey
	for _, fk := range p.ForeignKeys {
		if fk.Table == table {
			out = append(out, fk)
		}
	}
	return out, nil
}

// Referencing implements MetadataProvider.
func (p *StaticProvider) Referencing(_ context.Context, table models.TableID) ([]models.ForeignKey, error) {
	if err := p.check(table); err != nil {
		return nil, err
	}
	var out []models.ForeignKey
	for _, fk := range p.ForeignKeys {
		if fk.ReferencedTable == table {
			out = append(out, fk)
		}
	}
	return out, nil
}
