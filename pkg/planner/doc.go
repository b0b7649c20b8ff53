// Package planner is the thin HTTP gateway to the external planning
// service. Submit posts a task and reads the response stream just far
// enough to learn the thread id; GetStatus polls the thread afterwards.
// An unreachable planner is reported as still running so the execution
// engine retries on its next poll instead of failing tasks.
package planner
