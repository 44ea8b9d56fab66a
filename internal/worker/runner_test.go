package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgsWithoutContinuation(t *testing.T) {
	args := BuildArgs("fix the flaky test", "")
	assert.Equal(t, []string{"-p", "fix the flaky test", "--output-format", "stream-json", "--verbose"}, args)
	assert.NotContains(t, args, "--resume")
}

func TestBuildArgsWithContinuation(t *testing.T) {
	args := BuildArgs("continue", "conv-9f2")
	assert.Equal(t, []string{"-p", "continue", "--output-format", "stream-json", "--verbose", "--resume", "conv-9f2"}, args)
}

func TestCondenseStderrKeepsTail(t *testing.T) {
	in := "line1\nline2\nline3\nline4\nline5\nline6\nline7"
	out := condenseStderr(in)
	assert.NotContains(t, out, "line1")
	assert.Contains(t, out, "line7")
}
