package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultStatusFile = "STATUS"
	DefaultOKFile     = "OK"
	DefaultExitFile   = "ERROR"
)

// DoneCallback validates a finished realization. Its verdict overrides the OK file.
type DoneCallback func(args any) (bool, string)

// ExitCallback is told about a failed realization. Errors are logged, never propagated.
type ExitCallback func(args any) error

// JobSpec describes one realization. It is never modified after submission.
type JobSpec struct {
	JobScript string
	JobName   string
	RunPath   string
	NumCPU    int

	StatusFile string
	OKFile     string
	ExitFile   string

	DoneCallback      DoneCallback
	ExitCallback      ExitCallback
	CallbackArguments any
}

// WithDefaults fills in the sentinel names and cpu count.
func (s JobSpec) WithDefaults() JobSpec {
	if s.StatusFile == "" {
		s.StatusFile = DefaultStatusFile
	}
	if s.OKFile == "" {
		s.OKFile = DefaultOKFile
	}
	if s.ExitFile == "" {
		s.ExitFile = DefaultExitFile
	}
	if s.NumCPU == 0 {
		s.NumCPU = 1
	}
	return s
}

// Validate checks the spec after defaults have been applied.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.JobScript) == "" {
		return Errorf(ErrorConfig, "job %q: job script is empty", s.JobName)
	}
	if strings.TrimSpace(s.JobName) == "" {
		return Errorf(ErrorConfig, "job name is empty")
	}
	if strings.TrimSpace(s.RunPath) == "" {
		return Errorf(ErrorConfig, "job %q: run path is empty", s.JobName)
	}
	if s.NumCPU < 0 {
		return Errorf(ErrorConfig, "job %q: negative cpu count %d", s.JobName, s.NumCPU)
	}
	for _, name := range []string{s.StatusFile, s.OKFile, s.ExitFile} {
		if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
			return Errorf(ErrorConfig, "job %q: sentinel file %q must be a plain file name", s.JobName, name)
		}
	}
	if s.OKFile == s.ExitFile {
		return Errorf(ErrorConfig, "job %q: ok file and error file are both %q", s.JobName, s.OKFile)
	}
	return nil
}

// RunTemplate expands into one JobSpec per realization. Name and run path
// patterns take the realization index through a single %d verb.
type RunTemplate struct {
	JobScript    string `yaml:"job_script"`
	JobName      string `yaml:"job_name"`
	RunPath      string `yaml:"run_path"`
	NumCPU       int    `yaml:"num_cpu"`
	Realizations int    `yaml:"realizations"`
}

func (t RunTemplate) Expand(iens int) JobSpec {
	return JobSpec{
		JobScript: t.JobScript,
		JobName:   expandIndex(t.JobName, iens),
		RunPath:   expandIndex(t.RunPath, iens),
		NumCPU:    t.NumCPU,
	}.WithDefaults()
}

func expandIndex(pattern string, iens int) string {
	if strings.Contains(pattern, "%d") {
		return fmt.Sprintf(pattern, iens)
	}
	return pattern
}
