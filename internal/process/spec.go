package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes how to launch the supervised binary.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Path    string   `json:"path" mapstructure:"path"`         // executable path
	Args    []string `json:"args" mapstructure:"args"`         // arguments, excluding argv[0]
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env     []string `json:"env" mapstructure:"env"`           // full environment; empty inherits the parent
}

// Validate checks the spec is launchable.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("process path is empty")
	}
	return nil
}

// CommandLine renders the command for display.
func (s Spec) CommandLine() string {
	parts := append([]string{s.Path}, s.Args...)
	return strings.Join(parts, " ")
}

// BuildCommand constructs an *exec.Cmd for the spec without invoking a shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	// ok: intentional execution of a configured binary
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}
