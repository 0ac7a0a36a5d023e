// Package workflow turns declarative estimation schemas into executable
// dependency graphs.
//
// A WorkflowSchema lists protocol schemas, replicators, the path of the
// final estimated value and the outputs to persist. Workflow expands
// the schema — applying replicators, injecting global metadata and
// namespacing every protocol with the workflow's uuid — into a set of
// Protocol instances wired together by ProtocolPath references.
//
// WorkflowGraph folds many workflows into one shared graph, merging
// protocols which compute the same thing, and schedules the graph onto
// a compute backend: one task per protocol plus one gather task per
// workflow, which assembles the estimated property once its sources
// have finished and its uncertainty meets the convergence target.
package workflow
