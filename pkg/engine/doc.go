// Package engine holds the contract between resource providers and the
// tools that drive them.
//
// # Overview
//
// A run moves through four steps:
//
//  1. Validate - check the resource descriptor (Provider.Validate)
//  2. Plan - expand a lifecycle action into ordered declarations (Provider.Plan)
//  3. Apply - hand the declarations to the executor one by one (Provider.Apply)
//  4. Read - observe the live resource (Provider.Read)
//
// There is no dependency graph. Declarations run in the order the provider
// emitted them and the first failure ends the run.
//
// # Errors
//
// Failures are reported as *EngineError with a class (transient, conflict,
// permanent) and a code. Classify maps executor failures onto classes:
//
//	if err != nil {
//	    return engine.Classify("failed to apply declaration", err).WithDeclaration(d.Name)
//	}
//
// The underlying error stays reachable through errors.Is and errors.As.
//
// # Runs
//
// A Run records the status of every declaration as a DeclarationResult
// (updated, up_to_date, skipped or failed) and keeps a RunSummary.
package engine
