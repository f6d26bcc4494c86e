package runner

import "strings"

// NormalizeJobID strips a cluster suffix from a scheduler id, so that
// "10001.s034-lcam", "10001@cluster" and "10001" address the same job.
// Ids not starting with a digit are returned unchanged.
func NormalizeJobID(id string) string {
	id = strings.TrimSpace(id)
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	if end == 0 {
		return id
	}
	return id[:end]
}

// findRow returns the fields of the first output line whose leading column
// is the job id.
func findRow(output, jobID string) ([]string, bool) {
	want := NormalizeJobID(jobID)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if NormalizeJobID(fields[0]) == want {
			return fields, true
		}
	}
	return nil, false
}
