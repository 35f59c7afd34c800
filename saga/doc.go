// Package saga is a durable, event-sourced agentic workflow engine.
//
// A workflow is declared as a graph of typed nodes (steps, branches, loops,
// fork/join barriers, approval checkpoints) and driven by a scheduler that
// persists every state change as an append-only, hash-chained event stream.
// Runs survive process restarts: re-projecting a stream reproduces the exact
// state the run had when it stopped.
//
// The kernel couples five subsystems around one canonical state store:
//
//   - Reducer: pure, policy-aware state reduction (replace/append/merge)
//   - Ledger: append-only typed event log with verifiable hash chain
//   - Step cache: memoized step outputs with single-flight coalescing
//   - Belief store and Thompson sampler: learned agent selection
//   - Progress ledger and loop detector: repetition recovery
//
// A budget guard meters steps, tokens, executions, tool calls, and wall
// time; its scarcity factor feeds back into agent scoring, and exhaustion
// terminates the run cleanly.
//
// Basic usage:
//
//	schema := saga.NewSchema().
//	    Replace("topic").
//	    Append("attempts").
//	    Replace("done")
//
//	g, err := saga.NewBuilder("research").
//	    Step("fetch", fetchHandler).
//	    Step("summarize", summarizeHandler).
//	    Terminal("done").
//	    Build()
//	if err != nil {
//	    return err
//	}
//
//	engine, err := saga.NewEngine(g, schema,
//	    saga.WithStore(store),
//	    saga.WithBudgetLimit(saga.ResourceTokens, 100000),
//	)
//	if err != nil {
//	    return err
//	}
//	result, err := engine.Run(ctx, "run-001", saga.State{})
package saga
