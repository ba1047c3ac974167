package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// seedFile is the YAML layout accepted by the seed command:
//
//	entities:
//	  - id: smith-toyota
//	    name: Smith Toyota
//	    domain: smithtoyota.com
//	queries:
//	  - text: best toyota dealer in austin
//	    priority: 10
type seedFile struct {
	Entities []model.Entity `yaml:"entities"`
	Queries  []seedQuery    `yaml:"queries"`
}

type seedQuery struct {
	ID       string `yaml:"id"`
	Text     string `yaml:"text" validate:"required"`
	Priority int    `yaml:"priority"`
	Active   *bool  `yaml:"active"`
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read seed file %s", path)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "parse seed file %s", path)
	}

	v := validator.New()
	for i, e := range f.Entities {
		if err := v.Struct(e); err != nil {
			return nil, eris.Wrapf(err, "seed entity %d", i)
		}
	}
	for i, q := range f.Queries {
		if err := v.Struct(q); err != nil {
			return nil, eris.Wrapf(err, "seed query %d", i)
		}
	}
	return &f, nil
}

// queries converts the seed queries. Queries without an id get one derived
// from their text so re-seeding updates rather than duplicates them. Active
// defaults to true.
func (f *seedFile) queries() []model.Query {
	out := make([]model.Query, len(f.Queries))
	for i, q := range f.Queries {
		id := q.ID
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(q.Text)).String()
		}
		active := true
		if q.Active != nil {
			active = *q.Active
		}
		out[i] = model.Query{ID: id, Text: q.Text, Priority: q.Priority, Active: active}
	}
	return out
}

func applySeed(ctx context.Context, st store.Store, f *seedFile) (entities, queries int64, err error) {
	if len(f.Entities) > 0 {
		if entities, err = st.UpsertEntities(ctx, f.Entities); err != nil {
			return 0, 0, eris.Wrap(err, "seed entities")
		}
	}
	if qs := f.queries(); len(qs) > 0 {
		if queries, err = st.UpsertQueries(ctx, qs); err != nil {
			return entities, 0, eris.Wrap(err, "seed queries")
		}
	}
	return entities, queries, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load entities and tracked queries from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		f, err := loadSeedFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ne, nq, err := applySeed(ctx, st, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "upserted %d entities, %d queries\n", ne, nq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
