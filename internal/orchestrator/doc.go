// Package orchestrator drives a project through its development phases.
//
// # Overview
//
// A Coordinator runs one loop per project. Each loop is a state machine:
//
//	Planning → Building → Deploying → Testing → Completed
//	                          ↑          │
//	                          └─ Fixing ←┘ (tests fail, iterations remain)
//
// Failed and Stopped are reachable from every non-terminal state.
//
// # Key Components
//
// ## Executor
//
// The Executor runs a single collaborator call for one phase. It applies the
// per-phase timeout, retries a Retryable failure once, classifies the result
// as Success, Retryable or Fatal, and appends exactly one IterationRecord to
// the project history.
//
// ## Coordinator
//
// The Coordinator sequences phases for one project, applies the iteration
// ceiling, and commits the record to the project Store after every
// transition. Stop requests are honoured only at phase boundaries.
//
// ## Collaborators
//
// Planner, Coder, Deployer and Tester are the external components that do the
// actual work. Collaborators mark transient failures with Retryable; any other
// error is Fatal.
//
// # Usage
//
//	exec := orchestrator.NewExecutor(orchestrator.ExecutorConfig{Timeouts: timeouts})
//	coord := orchestrator.NewCoordinator(orchestrator.Config{MaxIterations: 5}, store, exec,
//		orchestrator.Collaborators{Planner: p, Coder: c, Deployer: d, Tester: t})
//	final := coord.Run(ctx, rec, stopCh)
package orchestrator
