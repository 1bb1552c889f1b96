// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package task

import "strconv"

// JobNamer produces the backend-visible name of a job
type JobNamer interface {
	JobName(task *Task, jobnum int) (string, error)
}

// DefaultJobNamer names jobs after the task id prefix and the job number
type DefaultJobNamer struct{}

// JobName returns taskID[:10].<jobnum>
func (DefaultJobNamer) JobName(task *Task, jobnum int) (string, error) {
	id := task.TaskID()
	if len(id) > 10 {
		id = id[:10]
	}
	return id + "." + strconv.Itoa(jobnum), nil
}

// TemplateJobNamer names jobs from a template run through variable
// substitution, e.g. "@GC_TASK_ID@.@GC_JOB_ID@"
type TemplateJobNamer struct {
	Template string
}

// JobName substitutes the template for the given job
func (n TemplateJobNamer) JobName(task *Task, jobnum int) (string, error) {
	return task.SubstituteVariables("job name", n.Template, jobnum, nil)
}
