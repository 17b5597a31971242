/*
Package descriptor defines the command descriptors read by the supervisor, one JSON object per line.

A descriptor names the program to run and its arguments, and may carry environment overrides for the
child and per-command options for the tracer that wraps it:

	{"path":"/bin/ls","args":["-l","/tmp"],"env":{"LC_ALL":"C"},"trace":"file","runner_env":{"K":"V"},"memory":0}

Only "path" is required. Unknown fields are rejected so that a typo in a fixture is reported instead
of silently running a different command.
*/
package descriptor
