// Command corvus-explain builds query plans over a demo in-memory
// collection and prints their explain trees or results. It exists to
// exercise the engine end to end from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/engine"
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/stagebuilder"
	"github.com/corvusdb/engine/pkg/storage/memstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	noColor    bool

	columnar    bool
	filterField string
	filterGt    int64
	groupBy     string
	sumField    string
	limit       int64
	skip        int64
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "corvus-explain",
		Short:        "Build and inspect query plans over a demo collection",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a yaml config file with engine knobs.")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output.")
	root.PersistentFlags().BoolVar(&opts.columnar, "columnar", false, "Drive the plan from the columnar index instead of the row store.")
	root.PersistentFlags().StringVar(&opts.filterField, "filter-field", "", "Field to filter on.")
	root.PersistentFlags().Int64Var(&opts.filterGt, "filter-gt", 0, "Keep documents whose filter field exceeds this value.")
	root.PersistentFlags().StringVar(&opts.groupBy, "group-by", "", "Group documents by this field.")
	root.PersistentFlags().StringVar(&opts.sumField, "sum", "", "Sum this field per group (requires --group-by).")
	root.PersistentFlags().Int64Var(&opts.limit, "limit", 0, "Limit the number of results. 0 means unlimited.")
	root.PersistentFlags().Int64Var(&opts.skip, "skip", 0, "Skip this many results.")

	root.AddCommand(
		&cobra.Command{
			Use:   "explain",
			Short: "Print the stage tree the plan lowers to",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runExplain(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Execute the plan and print the result documents",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runQuery(cmd.Context(), opts)
			},
		},
	)
	return root
}

func loadConfig(path string) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}

// demoPaths are the columnar index paths of the demo collection.
var demoPaths = []string{"_id", "user.name", "user.age", "score"}

func demoFixture() (*catalog.MemCatalog, *memstore.Collection, error) {
	coll := memstore.NewCollection("demo.players", demoPaths)
	rows := []struct {
		id    int64
		name  string
		age   int64
		score int64
	}{
		{1, "ada", 36, 90},
		{2, "brian", 41, 55},
		{3, "grace", 36, 70},
		{4, "linus", 28, 85},
		{5, "margaret", 41, 95},
	}
	for _, r := range rows {
		user := value.NewObjectValue()
		user.Set("name", value.NewString(r.name))
		user.Set("age", value.NewInt64(r.age))
		d := value.NewObjectValue()
		d.Set("_id", value.NewInt64(r.id))
		d.Set("user", value.NewObject(user))
		d.Set("score", value.NewInt64(r.score))
		if _, err := coll.Insert(d); err != nil {
			return nil, nil, err
		}
	}
	cat := catalog.NewMemCatalog()
	cat.Add(coll.CatalogEntry())
	return cat, coll, nil
}

func buildPlan(opts *options, coll *memstore.Collection) (stagebuilder.PlanNode, error) {
	var plan stagebuilder.PlanNode
	if opts.columnar {
		node := &stagebuilder.ColumnScanNode{
			Collection: coll.UUID,
			Paths:      demoPaths,
			DensePath:  "_id",
		}
		if opts.filterField != "" {
			node.Filters = []stagebuilder.ColumnFilter{{
				Path: opts.filterField,
				Pred: gtPred(opts.filterField, opts.filterGt),
			}}
		}
		plan = node
	} else {
		plan = &stagebuilder.CollScanNode{Collection: coll.UUID}
		if opts.filterField != "" {
			plan = &stagebuilder.FilterNode{Child: plan, Pred: gtPred(opts.filterField, opts.filterGt)}
		}
	}

	if opts.groupBy != "" {
		node := &stagebuilder.GroupNode{
			Child: plan,
			Keys:  []stagebuilder.GroupKey{{Name: opts.groupBy, Expr: expr.NewFieldPath(opts.groupBy)}},
		}
		if opts.sumField != "" {
			node.Accs = append(node.Accs, stagebuilder.AccStatement{
				Name: "total", Op: stagebuilder.AccSum, Arg: expr.NewFieldPath(opts.sumField),
			})
		}
		node.Accs = append(node.Accs, stagebuilder.AccStatement{Name: "n", Op: stagebuilder.AccCount})
		plan = node
	} else if opts.sumField != "" {
		return nil, errors.New("--sum requires --group-by")
	}

	if opts.limit > 0 || opts.skip > 0 {
		limit := opts.limit
		if limit == 0 {
			limit = -1
		}
		plan = &stagebuilder.LimitSkipNode{Child: plan, Limit: limit, Skip: opts.skip}
	}
	return plan, nil
}

func gtPred(field string, threshold int64) expr.Expression {
	return expr.NewBinary(expr.OpGt,
		expr.NewFieldPath(field),
		expr.NewConstant(value.NewInt64(threshold)))
}

func newEngine(opts *options) (*engine.Engine, *memstore.Collection, error) {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return nil, nil, err
	}
	cat, coll, err := demoFixture()
	if err != nil {
		return nil, nil, err
	}
	logger := level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowInfo())
	e, err := engine.New(cat, engine.Params{Logger: logger, Config: cfg})
	if err != nil {
		return nil, nil, err
	}
	return e, coll, nil
}

func runExplain(ctx context.Context, opts *options) error {
	e, coll, err := newEngine(opts)
	if err != nil {
		return err
	}
	plan, err := buildPlan(opts, coll)
	if err != nil {
		return err
	}
	tree, err := e.Explain(ctx, plan)
	if err != nil {
		return err
	}
	fmt.Print(colorizeTree(tree, !opts.noColor))
	return nil
}

func runQuery(ctx context.Context, opts *options) error {
	e, coll, err := newEngine(opts)
	if err != nil {
		return err
	}
	plan, err := buildPlan(opts, coll)
	if err != nil {
		return err
	}
	docs, err := e.Execute(ctx, plan)
	if err != nil {
		return err
	}
	for _, d := range docs {
		fmt.Println(d.String())
	}
	return nil
}

// colorizeTree highlights the stage name at the start of each explain line.
func colorizeTree(tree string, colored bool) string {
	if !colored {
		return tree
	}
	stageColor := color.New(color.FgCyan, color.Bold)
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(tree, "\n"), "\n") {
		trimmed := strings.TrimLeft(line, " ")
		indent := line[:len(line)-len(trimmed)]
		name, rest, found := strings.Cut(trimmed, " ")
		sb.WriteString(indent)
		sb.WriteString(stageColor.Sprint(name))
		if found {
			sb.WriteByte(' ')
			sb.WriteString(rest)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
