// Package code provides the subprocess-based CodeRunner used by the code
// node: user JavaScript runs under Node.js with run values injected as
// globals and the result returned through set_result().
package code

import "time"

// Option configures a SubprocessRunner.
type Option func(*runnerConfig)

type runnerConfig struct {
	timeout   time.Duration
	maxOutput int
	workspace string
	envVars   map[string]string
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:   30 * time.Second,
		maxOutput: 64 * 1024, // 64KB
	}
}

// WithTimeout sets the maximum execution duration for code.
// Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *runnerConfig) { c.maxOutput = bytes }
}

// WithWorkspace sets the subprocess working directory. Default: the OS
// temp directory.
func WithWorkspace(dir string) Option {
	return func(c *runnerConfig) { c.workspace = dir }
}

// WithEnv adds environment variables to the subprocess.
func WithEnv(vars map[string]string) Option {
	return func(c *runnerConfig) {
		if c.envVars == nil {
			c.envVars = make(map[string]string, len(vars))
		}
		for k, v := range vars {
			c.envVars[k] = v
		}
	}
}
