// Package core provides the fundamental types for the buildstate engine.
//
// This package contains:
//   - Build, StateTransition, Artifact, Variable, ResumePolicy and
//     ResumeRequest data models with GORM annotations
//   - Status enums for builds, ledger entries and resume requests
//   - The Outcome union returned by state-transition recording
//   - Error values shared across the engine
//
// Persistence lives in pkg/storage; transition semantics in pkg/ledger.
package core
