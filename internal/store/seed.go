// seed.go -- group definitions loaded from a TOML file at startup.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/uuid/v5"
)

// GroupUpserter is satisfied by PostgresStore and MemoryStore.
type GroupUpserter interface {
	UpsertGroup(ctx context.Context, g *Group) error
}

type groupsFile struct {
	Groups []Group `toml:"group"`
}

// LoadGroupsFile decodes [[group]] tables from path.
//
//	[[group]]
//	id = "0190c1d2-..."
//	name = "Visiting researchers"
//	mfa_required = true
//	validity_days = 30
func LoadGroupsFile(path string) ([]Group, error) {
	var f groupsFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decoding %s: unknown keys %v", path, undecoded)
	}
	seen := make(map[uuid.UUID]bool, len(f.Groups))
	for i, g := range f.Groups {
		if err := ValidateGroup(&g); err != nil {
			return nil, fmt.Errorf("%s: group %d: %w", path, i, err)
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("%s: group %d: duplicate id %s", path, i, g.ID)
		}
		seen[g.ID] = true
	}
	return f.Groups, nil
}

// SeedGroups upserts every group into dst.
func SeedGroups(ctx context.Context, dst GroupUpserter, groups []Group) error {
	for i := range groups {
		if err := dst.UpsertGroup(ctx, &groups[i]); err != nil {
			return fmt.Errorf("seeding group %s: %w", groups[i].ID, err)
		}
	}
	return nil
}

// ValidateGroup checks the fields every group needs.
func ValidateGroup(g *Group) error {
	switch {
	case g.ID == uuid.Nil:
		return errors.New("id is required")
	case g.Name == "":
		return errors.New("name is required")
	case g.ValidityDays < 0:
		return errors.New("validity_days must not be negative")
	}
	return nil
}
