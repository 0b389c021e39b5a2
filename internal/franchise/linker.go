// Package franchise attaches franchise names and sequel/prequel/related
// links to content records.
package franchise

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// Franchise is a detected franchise.
type Franchise struct {
	Name string
}

// Linker supplies franchise and relationship data during creation and merge.
type Linker interface {
	DetectFranchise(src *model.SourceRecord) *Franchise
	// ReconcileRelationships folds the relations implied by src into rec.
	ReconcileRelationships(ctx context.Context, rec *model.Record, src *model.SourceRecord) error
}

// Resolver maps a provider external id to a stored record.
type Resolver interface {
	FindByExternalID(ctx context.Context, provider, externalID string) (*model.Record, error)
}

// Nop is a Linker that never links anything.
type Nop struct{}

func (Nop) DetectFranchise(*model.SourceRecord) *Franchise { return nil }

func (Nop) ReconcileRelationships(context.Context, *model.Record, *model.SourceRecord) error {
	return nil
}

// Table is a static franchise table: franchise name to member keys of the
// form "provider:externalID".
type Table struct {
	Franchises map[string][]string `yaml:"franchises"`

	index map[string]string
}

// LoadTable reads a YAML franchise table.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "franchise: read %s", path)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML franchise table. A member listed under two
// franchises is an error.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "franchise: parse table")
	}
	t.index = make(map[string]string)
	for name, members := range t.Franchises {
		for _, m := range members {
			k := strings.ToLower(strings.TrimSpace(m))
			if prev, ok := t.index[k]; ok && prev != name {
				return nil, eris.Errorf("franchise: %s listed under %q and %q", m, prev, name)
			}
			t.index[k] = name
		}
	}
	return &t, nil
}

// Lookup returns the franchise name for a provider external id.
func (t *Table) Lookup(provider, externalID string) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.index[Key(provider, externalID)]
	return name, ok
}

// Key builds the table key for a provider external id.
func Key(provider, externalID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.ToLower(strings.TrimSpace(externalID))
}

// TableLinker detects franchises from a static table and resolves relation
// hints through a Resolver.
type TableLinker struct {
	table    *Table
	resolver Resolver
}

// NewTableLinker creates a TableLinker. A nil table only honors the
// franchise hint carried by the source.
func NewTableLinker(table *Table, resolver Resolver) *TableLinker {
	return &TableLinker{table: table, resolver: resolver}
}

// DetectFranchise prefers the table entry and falls back to the source hint.
func (l *TableLinker) DetectFranchise(src *model.SourceRecord) *Franchise {
	if name, ok := l.table.Lookup(src.Provider, src.ExternalID); ok {
		return &Franchise{Name: name}
	}
	if hint := strings.TrimSpace(src.Franchise); hint != "" {
		return &Franchise{Name: hint}
	}
	return nil
}

// ReconcileRelationships sets the franchise when the record has none and
// appends the resolved sequel, prequel and related record ids. Hints that
// resolve to no stored record are skipped.
func (l *TableLinker) ReconcileRelationships(ctx context.Context, rec *model.Record, src *model.SourceRecord) error {
	if f := l.DetectFranchise(src); f != nil && rec.Franchise == "" {
		rec.Franchise = f.Name
	}
	if l.resolver == nil {
		return nil
	}

	var err error
	if rec.Sequels, err = l.resolve(ctx, rec, src.Provider, src.SequelIDs, rec.Sequels); err != nil {
		return err
	}
	if rec.Prequels, err = l.resolve(ctx, rec, src.Provider, src.PrequelIDs, rec.Prequels); err != nil {
		return err
	}
	rec.Related, err = l.resolve(ctx, rec, src.Provider, src.RelatedIDs, rec.Related)
	return err
}

func (l *TableLinker) resolve(ctx context.Context, rec *model.Record, provider string, extIDs, existing []string) ([]string, error) {
	out := existing
	for _, extID := range extIDs {
		target, err := l.resolver.FindByExternalID(ctx, provider, extID)
		if err != nil {
			return existing, eris.Wrapf(err, "franchise: resolve %s:%s", provider, extID)
		}
		if target == nil {
			zap.L().Debug("franchise: relation target not stored yet",
				zap.String("provider", provider),
				zap.String("external_id", extID),
			)
			continue
		}
		if target.ID == rec.ID || contains(out, target.ID) {
			continue
		}
		out = append(out, target.ID)
	}
	return out, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var (
	_ Linker = Nop{}
	_ Linker = (*TableLinker)(nil)
)
