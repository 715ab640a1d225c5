package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/config"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/logging"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

var catalog = []models.CatalogEntry{
	{
		Name:        "sales_docs",
		Service:     "cortex_search",
		Description: "Search over sales enablement documents.",
		Active:      true,
		Config:      map[string]any{"service_name": "SALES_DOCS_SEARCH", "max_results": 5},
	},
	{
		Name:        "revenue_model",
		Service:     "cortex_analyst",
		Description: "Answers revenue questions from the semantic model.",
		Active:      true,
		Config:      map[string]any{"semantic_model": "@MODELS/revenue.yaml"},
	},
}

var workflows = []struct {
	Title     string
	Rationale string
	YAML      string
}{
	{
		Title:     "Market brief",
		Rationale: "A researcher gathers sources and a writer condenses them.",
		YAML: `name: Market brief
agents:
  - role: researcher
    goal: Find recent, credible facts about {topic}
    tools: [web_search, current_time]
  - role: writer
    goal: Turn research notes into a short brief
tasks:
  - name: research
    description: Collect five facts about {topic} with sources.
    agent: researcher
    expected_output: A bulleted list of facts with URLs.
  - name: brief
    description: Write a one-page brief on {topic}.
    agent: writer
    expected_output: Markdown brief.
    context: [research]
`,
	},
	{
		Title:     "Sales answer desk",
		Rationale: "A lead routes questions to an analyst backed by managed search.",
		YAML: `name: Sales answer desk
process: hierarchical
agents:
  - role: lead
    goal: Make sure the question is answered completely
    manager: true
  - role: analyst
    goal: Answer {question} from internal documents
    tools:
      - type: managed
        service: cortex_search
        instance_names: [sales_docs]
tasks:
  - name: answer
    description: Answer {question}.
    agent: analyst
    expected_output: A sourced answer.
`,
	},
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.NewLogger("info").Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Seeding failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Seeding complete!")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	for _, e := range catalog {
		if err := store.UpsertCatalogEntry(ctx, e); err != nil {
			return err
		}
		logger.Info("Seeded catalog entry", "service", e.Service, "name", e.Name)
	}

	existing, err := store.ListWorkflows(ctx, repository.WorkflowFilter{Limit: 1000})
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, w := range existing {
		seen[w.Title] = true
	}

	for _, w := range workflows {
		if seen[w.Title] {
			logger.Info("Skipping existing workflow", "title", w.Title)
			continue
		}
		spec, err := crewspec.Parse([]byte(w.YAML))
		if err != nil {
			return err
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		wf := &models.Workflow{
			WorkflowID: uuid.New().String(),
			Type:       string(spec.Process),
			Title:      w.Title,
			Agents:     spec.Roles(),
			Tasks:      spec.TaskNames(),
			Rationale:  w.Rationale,
			YAMLText:   w.YAML,
			Mermaid:    services.Diagram(spec),
			Status:     models.WorkflowStable,
			UserID:     "seed-script",
		}
		if err := store.CreateWorkflowVersion(ctx, wf); err != nil {
			logger.Warn("Failed to create workflow", "title", w.Title, "error", err)
			continue
		}
		logger.Info("Seeded workflow", "title", w.Title, "id", wf.WorkflowID)
	}
	return nil
}
