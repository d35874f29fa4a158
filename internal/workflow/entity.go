package workflow

// Config is the root of the workflow configuration file.
type Config struct {
	Workflows       []Workflow `yaml:"workflows" json:"workflows"`
	DefaultWorkflow string     `yaml:"default_workflow,omitempty" json:"default_workflow,omitempty"`
}

// Workflow is an ordered list of steps executed per worker.
type Workflow struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step is one unit of work: either a shell command or an agent invocation.
// Exactly one of Command and Agent should be set; when both are set the
// agent invocation wins.
type Step struct {
	Name        string     `yaml:"name" json:"name"`
	Command     string     `yaml:"command,omitempty" json:"command,omitempty"`
	Agent       *AgentStep `yaml:"agent,omitempty" json:"agent,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// AgentStep configures an agent invocation within a step. The prompt may
// reference {{issue}}, {{worker}}, {{branch}} and {{worktree}}.
type AgentStep struct {
	Prompt         string   `yaml:"prompt" json:"prompt"`
	Model          string   `yaml:"model,omitempty" json:"model,omitempty"`
	AllowedTools   []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty"`
	ExtraArgs      []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// ByName returns the workflow with the given name, or nil.
func (c *Config) ByName(name string) *Workflow {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			return &c.Workflows[i]
		}
	}
	return nil
}

// Default returns the configured default workflow, falling back to the
// first one. Config always holds at least one workflow after loading.
func (c *Config) Default() *Workflow {
	if c.DefaultWorkflow != "" {
		if wf := c.ByName(c.DefaultWorkflow); wf != nil {
			return wf
		}
	}
	return &c.Workflows[0]
}
