package queue

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
)

// Longest error file excerpt kept in a JobResult.
const maxErrorExcerpt = 512

// sentinels is what the job wrapper left in its run path.
type sentinels struct {
	ok        bool
	failed    bool
	errorText string // start of the error file
	status    string // advisory progress text
}

// readSentinels looks at the run path once. It must only be called after the
// backend has reported the job terminal.
func readSentinels(spec model.JobSpec) sentinels {
	var s sentinels
	s.ok = exists(filepath.Join(spec.RunPath, spec.OKFile))

	errPath := filepath.Join(spec.RunPath, spec.ExitFile)
	if exists(errPath) {
		s.failed = true
		s.errorText = excerpt(errPath, maxErrorExcerpt)
	}
	s.status = excerpt(filepath.Join(spec.RunPath, spec.StatusFile), maxErrorExcerpt)
	return s
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func excerpt(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
