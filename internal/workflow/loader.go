package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the built-in three step workflow used when no
// configuration file exists or the file declares no workflows.
func DefaultConfig() *Config {
	return &Config{
		Workflows: []Workflow{
			{
				Name:        "default",
				Description: "Standard analyze, implement, test flow",
				Steps: []Step{
					{Name: "Analyze", Command: "echo 'Analyzing issue context'", Description: "Inspect the issue"},
					{Name: "Implement", Command: "echo 'Implementing changes'", Description: "Apply code changes"},
					{Name: "Test", Command: "echo 'Running tests'", Description: "Run the test suite"},
				},
			},
		},
		DefaultWorkflow: "default",
	}
}

// Load reads the workflow configuration from path. A missing file or an
// empty workflow list yields the built-in default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read workflow config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config %s: %w", path, err)
	}
	if len(cfg.Workflows) == 0 {
		return DefaultConfig(), nil
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid workflow config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	seen := map[string]bool{}
	for _, wf := range cfg.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("workflow without a name")
		}
		if seen[wf.Name] {
			return fmt.Errorf("duplicate workflow name %q", wf.Name)
		}
		seen[wf.Name] = true
		for _, step := range wf.Steps {
			if step.Name == "" {
				return fmt.Errorf("workflow %q has a step without a name", wf.Name)
			}
			if step.Agent != nil && step.Agent.Prompt == "" {
				return fmt.Errorf("workflow %q step %q has an agent block without a prompt", wf.Name, step.Name)
			}
		}
	}
	if cfg.DefaultWorkflow != "" && cfg.ByName(cfg.DefaultWorkflow) == nil {
		return fmt.Errorf("default workflow %q is not defined", cfg.DefaultWorkflow)
	}
	return nil
}
