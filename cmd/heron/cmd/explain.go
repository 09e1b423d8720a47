package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
)

var explainCmd = &cobra.Command{
	Use:   "explain [file]",
	Short: "Validate a rule tree and print the queries each store would run",
	Long: `Reads a rule tree from file (or stdin when the file is "-" or omitted),
either {"ruleGroups": [...]} or a single group, and prints the normalized
rules together with the SQL, MongoDB and CEL renderings of its plan.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExplain,
}

func init() {
	rootCmd.AddCommand(explainCmd)
	explainCmd.Flags().String("tenant", "example", "tenant id bound into the rendered queries")
	explainCmd.Flags().String("dialect", "sqlite", "SQL dialect (sqlite, postgres)")
}

func runExplain(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read rules: %w", err)
	}
	groups, err := decodeGroups(data)
	if err != nil {
		return err
	}

	tenantID, _ := cmd.Flags().GetString("tenant")
	dialectName, _ := cmd.Flags().GetString("dialect")
	var dialect query.Dialect
	switch dialectName {
	case "sqlite":
		dialect = query.SQLite
	case "postgres":
		dialect = query.Postgres
	default:
		return fmt.Errorf("unsupported dialect: %s", dialectName)
	}

	compiled, err := rules.NewCompiler(catalog.Default()).Compile(groups...)
	if err != nil {
		return err
	}
	return writeExplain(cmd.OutOrStdout(), compiled, tenantID, dialect)
}

func decodeGroups(data []byte) ([]domain.RuleGroup, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("rules must be a JSON object: %w", err)
	}

	if raw, ok := probe["ruleGroups"]; ok {
		return domain.DecodeRuleGroups(raw)
	}

	var g domain.RuleGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return []domain.RuleGroup{g}, nil
}

func writeExplain(w io.Writer, compiled *rules.Compiled, tenantID string, dialect query.Dialect) error {
	normalized, err := json.MarshalIndent(compiled.Rules, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- rules\n%s\n\n", normalized)
	fmt.Fprintf(w, "-- filter (evaluated at %s)\n%s\n\n", compiled.Plan.Now.Format(time.RFC3339), compiled.Plan.Filter)

	sqlQuery, err := query.RenderSQL(compiled.Plan, tenantID, dialect, repository.SampleLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- sql count\n%s\n-- sql sample\n%s\n-- sql args\n%v\n\n", sqlQuery.Count, sqlQuery.Sample, sqlQuery.Args)

	pipeline, err := query.RenderPipeline(compiled.Plan, tenantID, repository.SampleLimit)
	if err != nil {
		return err
	}
	ext, err := bson.MarshalExtJSON(bson.D{{Key: "pipeline", Value: pipeline}}, false, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- mongo\n%s\n\n", ext)

	expr, err := query.RenderCEL(compiled.Plan.Filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- cel\n%s\n-- cel params\n%v\n", expr.Source, expr.Params)
	return nil
}
